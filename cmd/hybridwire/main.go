// Package main provides the CLI entry point for hybridwire.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/hybridwire/internal/client"
	"github.com/postalsys/hybridwire/internal/config"
	"github.com/postalsys/hybridwire/internal/health"
	"github.com/postalsys/hybridwire/internal/logging"
	"github.com/postalsys/hybridwire/internal/metrics"
	"github.com/postalsys/hybridwire/internal/recovery"
	"github.com/postalsys/hybridwire/internal/server"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hybridwire",
		Short: "hybridwire - encrypted RPC transport over TCP",
		Long: `hybridwire carries RPC payloads over raw TCP. Each connection
negotiates a fresh symmetric key with an RSA/AES hybrid handshake, can
authenticate the peer, and can be relayed through a proxy node over TLS.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(benchCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		address    string
		mode       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the responder",
		Long: `Accept connections and print every decoded request. With --mode echo
each request is sent back to its peer as the reply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "echo" && mode != "print" {
				return fmt.Errorf("unknown mode %q (want echo or print)", mode)
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.Default()
			}

			srv, err := server.New(cfg.Server, server.Options{Logger: logger, Metrics: m})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			if cfg.Metrics.Enabled {
				hcfg := health.DefaultServerConfig()
				hcfg.Address = cfg.Metrics.Address
				hcfg.MetricsPath = cfg.Metrics.Path
				hs := health.NewServer(hcfg, srv)
				if err := hs.Start(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				defer hs.Stop()
				fmt.Printf("Metrics: http://%s%s\n", hs.Address(), hcfg.MetricsPath)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			serveErr := make(chan error, 1)
			recovery.Go(logger, nil, "serve", func() {
				serveErr <- srv.ListenAndServe(ctx)
			})
			recovery.Go(logger, nil, "dispatch", func() {
				dispatch(ctx, srv, mode, cmd.OutOrStdout())
			})

			fmt.Printf("Listening on %s\n", cfg.Server.Address)

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			case err := <-serveErr:
				if !errors.Is(err, server.ErrServerClosed) {
					srv.Close()
					return err
				}
			}

			cancel()
			srv.Close()
			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Listen address (overrides server.address)")
	cmd.Flags().StringVar(&mode, "mode", "echo", "Request handling: echo or print")

	return cmd
}

// dispatch is the single consumer of decoded requests.
func dispatch(ctx context.Context, srv *server.Server, mode string, out io.Writer) {
	for {
		in, err := srv.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		fmt.Fprintf(out, "%s %s: %q\n", time.Now().Format(time.RFC3339), in.PeerAddr, in.Payload)
		if mode == "echo" {
			if err := srv.SendReplyTo(in.ConnID, in.Payload); err != nil {
				fmt.Fprintf(out, "reply to %s failed: %v\n", in.PeerAddr, err)
			}
		}
	}
}

func callCmd() *cobra.Command {
	var (
		configPath string
		address    string
		cipher     string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <payload>",
		Short: "Send one request and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Client.Address = address
			}
			if cipher != "" {
				cfg.Client.Cipher = cipher
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			c, err := client.New(cfg.Client, client.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer c.Disconnect()

			start := time.Now()
			reply, err := c.SendMessage(ctx, []byte(args[0]))
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", reply)
			logger.Debug("call complete",
				logging.KeyCipher, string(c.Connection().Suite()),
				logging.KeyDuration, time.Since(start))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Server address (overrides client.address)")
	cmd.Flags().StringVar(&cipher, "cipher", "", "Cipher suite: aes-256-gcm or chacha20-poly1305")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Overall timeout for connect and reply")

	return cmd
}

func configCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults and environment expansion, with secrets redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

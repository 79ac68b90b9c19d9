package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/hybridwire/internal/client"
	"github.com/postalsys/hybridwire/internal/config"
	"github.com/postalsys/hybridwire/internal/loadtest"
	"github.com/postalsys/hybridwire/internal/probe"
)

func probeCmd() *cobra.Command {
	var (
		configPath string
		address    string
		cipher     string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that a server accepts the handshake",
		Long: `Connects to a hybridwire server, runs the full handshake (including
authentication and proxy forwarding when configured), and reports the
negotiated cipher and round-trip time.`,
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

			r := probe.Probe(cmd.Context(), probe.Options{Client: cfg.Client, Timeout: timeout})
			printProbeResult(cmd.OutOrStdout(), r)
			if !r.Success {
				return fmt.Errorf("probe failed: %w", r.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Server address (overrides client.address)")
	cmd.Flags().StringVar(&cipher, "cipher", "", "Cipher suite: aes-256-gcm or chacha20-poly1305")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Probe timeout")

	return cmd
}

func printProbeResult(w io.Writer, r *probe.Result) {
	target := r.Address
	if r.Target != "" {
		target = r.Address + " -> " + r.Target
	}
	if !r.Success {
		fmt.Fprintf(w, "FAIL  %s: %s\n", target, r.ErrorDetail)
		return
	}
	auth := "no"
	if r.Authenticated {
		auth = "yes"
	}
	fmt.Fprintf(w, "OK    %s  cipher=%s authenticated=%s rtt=%s\n",
		target, r.Cipher, auth, r.RTT.Round(time.Microsecond))
}

func benchCmd() *cobra.Command {
	var (
		configPath  string
		address     string
		concurrency int
		payloadSize string
		duration    time.Duration
		churn       bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure request throughput or connection churn",
		Long: `Runs concurrent request/reply loops against a server started with
"serve --mode echo". With --churn, measures connect and handshake rate
instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Client.Address = address
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if churn {
				tester := loadtest.NewConnectionChurnTester(concurrency, duration)
				m, err := tester.Run(ctx, connectFunc(cfg.Client))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "connections: %s ok, %s failed\n",
					humanize.Comma(m.SuccessfulConnects), humanize.Comma(m.FailedConnects))
				fmt.Fprintf(out, "avg connect: %s  avg disconnect: %s\n", m.AvgConnectTime, m.AvgDisconnectTime)
				fmt.Fprintf(out, "churn rate:  %s/s\n", humanize.FormatFloat("#,###.##", m.ChurnRate))
				return nil
			}

			size, err := humanize.ParseBytes(payloadSize)
			if err != nil {
				return fmt.Errorf("invalid payload size %q: %w", payloadSize, err)
			}
			gen := loadtest.NewRequestLoadGenerator(concurrency, int(size), duration)
			gen.VerifyEcho = true
			m, err := gen.Run(ctx, sessionFactory(cfg.Client))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "requests: %s ok, %s failed, %d sessions failed\n",
				humanize.Comma(m.SuccessfulRequests), humanize.Comma(m.FailedRequests), m.FailedSessions)
			fmt.Fprintf(out, "traffic:  %s sent, %s received\n",
				humanize.IBytes(uint64(m.BytesSent)), humanize.IBytes(uint64(m.BytesReceived)))
			fmt.Fprintf(out, "latency:  min %s  avg %s  p50 %s  p99 %s  max %s\n",
				m.MinLatency, m.AvgLatency, m.P50Latency, m.P99Latency, m.MaxLatency)
			fmt.Fprintf(out, "rate:     %s req/s\n", humanize.FormatFloat("#,###.##", m.RequestsPerSecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Server address (overrides client.address)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 4, "Concurrent sessions")
	cmd.Flags().StringVarP(&payloadSize, "payload", "p", "1KiB", "Request payload size")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Test duration")
	cmd.Flags().BoolVar(&churn, "churn", false, "Measure connect/disconnect rate instead of requests")

	return cmd
}

func sessionFactory(cfg config.ClientConfig) loadtest.SessionFactory {
	return func(ctx context.Context) (loadtest.RequestFunc, func() error, error) {
		c, err := client.New(cfg, client.Options{})
		if err != nil {
			return nil, nil, err
		}
		if err := c.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return c.SendMessage, c.Disconnect, nil
	}
}

func connectFunc(cfg config.ClientConfig) loadtest.ConnectFunc {
	return func(ctx context.Context) (func() error, error) {
		c, err := client.New(cfg, client.Options{})
		if err != nil {
			return nil, err
		}
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c.Disconnect, nil
	}
}

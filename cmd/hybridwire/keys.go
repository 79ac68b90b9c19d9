package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/hybridwire/internal/auth"
	"github.com/postalsys/hybridwire/internal/certutil"
	"github.com/postalsys/hybridwire/internal/crypto"
)

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate TLS material for proxy hops",
	}
	cmd.AddCommand(certCACmd())
	cmd.AddCommand(certIssueCmd())
	return cmd
}

func certCACmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validFor   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Create a certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := certutil.GenerateCA(commonName, validFor)
			if err != nil {
				return err
			}
			certPath := filepath.Join(outDir, "ca.crt")
			keyPath := filepath.Join(outDir, "ca.key")
			if err := ca.Save(certPath, keyPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CA certificate: %s\nCA key: %s\nFingerprint: %s\n",
				certPath, keyPath, ca.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "hybridwire CA", "Common name")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")
	cmd.Flags().DurationVar(&validFor, "valid-for", certutil.DefaultCAValidity, "Validity period")

	return cmd
}

func certIssueCmd() *cobra.Command {
	var (
		caCert     string
		caKey      string
		commonName string
		hosts      []string
		outDir     string
		validFor   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a node certificate signed by a CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commonName == "" {
				return fmt.Errorf("--cn is required")
			}
			ca, err := certutil.Load(caCert, caKey)
			if err != nil {
				return fmt.Errorf("failed to load CA: %w", err)
			}
			node, err := certutil.IssueNode(commonName, hosts, validFor, ca)
			if err != nil {
				return err
			}
			certPath := filepath.Join(outDir, commonName+".crt")
			keyPath := filepath.Join(outDir, commonName+".key")
			if err := node.Save(certPath, keyPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s\nKey: %s\nFingerprint: %s\n",
				certPath, keyPath, node.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&caCert, "ca-cert", "ca.crt", "CA certificate file")
	cmd.Flags().StringVar(&caKey, "ca-key", "ca.key", "CA key file")
	cmd.Flags().StringVar(&commonName, "cn", "", "Common name of the node")
	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "IP addresses and DNS names for the certificate")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")
	cmd.Flags().DurationVar(&validFor, "valid-for", certutil.DefaultNodeValidity, "Validity period")

	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 authentication keypair",
		Long: `Generate an ed25519 keypair for auth.type: ed25519. The private key
goes into the initiator's auth.private_key, the public key into the
responder's auth.trusted_keys.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.GenerateSigningKeypair()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private_key: %s\npublic_key:  %s\n", kp.SeedHex(), kp.PublicKeyHex())
			return nil
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for auth.password_hash",
		Long:  "Read a password from the terminal (or stdin when piped) and print its bcrypt hash.",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword()
			if err != nil {
				return err
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}

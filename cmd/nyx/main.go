// Package main provides the CLI entry point for the Nyx overlay node.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nyxnet/nyx/internal/certutil"
	"github.com/nyxnet/nyx/internal/config"
	"github.com/nyxnet/nyx/internal/daemon"
	"github.com/nyxnet/nyx/internal/identity"
	"github.com/nyxnet/nyx/internal/logging"
	"github.com/nyxnet/nyx/internal/sysinfo"
)

var (
	// Version is set at build time via ldflags.
	// When "dev", we use sysinfo.Version which has enhanced dev version info.
	Version = "dev"
)

func init() {
	if Version == "dev" {
		Version = sysinfo.Version
	} else {
		sysinfo.Version = Version
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "nyx",
		Short: "Nyx - anonymity-preserving overlay transport node",
		Long: `Nyx routes data through a VDF-gated, Noise-encrypted mix network with
FEC-coded cells and traffic-timing obfuscation.

It exposes a local control API that applications use to open streams,
send data, and close streams without ever learning the circuit's path.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "status", Title: "Node Status:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	initC := initCmd()
	initC.GroupID = "start"
	rootCmd.AddCommand(initC)

	serve := serveCmd()
	serve.GroupID = "start"
	rootCmd.AddCommand(serve)

	status := statusCmd()
	status.GroupID = "status"
	rootCmd.AddCommand(status)

	nodesC := nodesCmd()
	nodesC.GroupID = "status"
	rootCmd.AddCommand(nodesC)

	cert := certCmd()
	cert.GroupID = "admin"
	rootCmd.AddCommand(cert)

	addNode := addNodeCmd()
	addNode.GroupID = "admin"
	rootCmd.AddCommand(addNode)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new node",
		Long:  "Initialize a new node by creating its data directory and generating its identity and static key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity.Exists(dataDir) {
				id, err := identity.Load(dataDir)
				if err != nil {
					return fmt.Errorf("failed to load existing identity: %w", err)
				}
				fmt.Printf("Node already initialized in %s\n", dataDir)
				fmt.Printf("Node ID: %s\n", id.String())
				return nil
			}

			id, created, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize node: %w", err)
			}

			if created {
				fmt.Printf("Node initialized in %s\n", dataDir)
			} else {
				fmt.Printf("Node already exists in %s\n", dataDir)
			}
			fmt.Printf("Node ID: %s\n", id.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent node state")
	return cmd
}

func serveCmd() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node",
		Long:  "Start the node with the specified configuration and keep it running until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(logLevel, "text")

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			fmt.Printf("Starting Nyx node...\n")
			fmt.Printf("Node ID: %s\n", d.ID().String())

			if err := d.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			fmt.Printf("Status: running (listeners: %d, control socket: %s)\n",
				len(cfg.Listeners), cfg.Control.SocketPath)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := d.Stop(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Node stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	return cmd
}

func statusCmd() *cobra.Command {
	var socketPath string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display the current status of a running node via its local control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var info struct {
				NodeID        string  `json:"node_id"`
				Version       string  `json:"version"`
				UptimeSeconds float64 `json:"uptime_sec"`
				ActiveStreams int     `json:"active_streams"`
				BytesIn       uint64  `json:"bytes_in"`
				BytesOut      uint64  `json:"bytes_out"`
			}
			if err := getJSON(ctx, socketPath, "/get_info", &info); err != nil {
				return fmt.Errorf("failed to connect to node: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Printf("Node Status\n")
			fmt.Printf("===========\n")
			fmt.Printf("Node ID:        %s\n", info.NodeID)
			fmt.Printf("Version:        %s\n", info.Version)
			fmt.Printf("Uptime:         %s\n", time.Duration(info.UptimeSeconds*float64(time.Second)).Round(time.Second))
			fmt.Printf("Active Streams: %d\n", info.ActiveStreams)
			fmt.Printf("Bytes In:       %s\n", humanize.Bytes(info.BytesIn))
			fmt.Printf("Bytes Out:      %s\n", humanize.Bytes(info.BytesOut))
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "./data/control.sock", "Path to the node's control socket")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func nodesCmd() *cobra.Command {
	var directoryFile string

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the mix directory",
		Long:  "Display the mix node descriptors a node will draw circuit hops from.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(directoryFile)
			if os.IsNotExist(err) {
				fmt.Println("Directory is empty.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read directory file: %w", err)
			}

			var raw []struct {
				NodeID     string  `json:"node_id"`
				Address    string  `json:"address"`
				Load       float64 `json:"load"`
				Reputation float64 `json:"reputation"`
			}
			if err := json.Unmarshal(data, &raw); err != nil {
				return fmt.Errorf("failed to parse directory file: %w", err)
			}

			if len(raw) == 0 {
				fmt.Println("Directory is empty.")
				return nil
			}

			fmt.Printf("%-16s %-24s %-8s %-10s\n", "NODE ID", "ADDRESS", "LOAD", "REPUTATION")
			fmt.Printf("%-16s %-24s %-8s %-10s\n", "-------", "-------", "----", "----------")
			for _, n := range raw {
				fmt.Printf("%-16s %-24s %-8.2f %-10.2f\n", n.NodeID, n.Address, n.Load, n.Reputation)
			}
			fmt.Printf("\nTotal: %d node(s)\n", len(raw))
			return nil
		},
	}

	cmd.Flags().StringVarP(&directoryFile, "directory", "f", "./data/directory.json", "Path to the mix directory file")
	return cmd
}

func addNodeCmd() *cobra.Command {
	var directoryFile string
	var address string
	var publicKeyHex string
	var reputation float64

	cmd := &cobra.Command{
		Use:   "add-node <node-id>",
		Short: "Add a node descriptor to the mix directory",
		Long:  "Manually enroll a peer's node descriptor into the local mix directory file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				return fmt.Errorf("--address is required")
			}
			if publicKeyHex == "" {
				return fmt.Errorf("--public-key is required")
			}

			data, err := os.ReadFile(directoryFile)
			var raw []json.RawMessage
			if err == nil {
				if err := json.Unmarshal(data, &raw); err != nil {
					return fmt.Errorf("failed to parse directory file: %w", err)
				}
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("failed to read directory file: %w", err)
			}

			entry := map[string]any{
				"node_id":    args[0],
				"public_key": strings.ToLower(publicKeyHex),
				"address":    address,
				"load":       0.0,
				"reputation": reputation,
			}
			encoded, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to encode entry: %w", err)
			}
			raw = append(raw, encoded)

			if err := os.MkdirAll(filepath.Dir(directoryFile), 0700); err != nil {
				return fmt.Errorf("failed to create directory file parent: %w", err)
			}
			out, err := json.MarshalIndent(raw, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode directory file: %w", err)
			}
			if err := os.WriteFile(directoryFile, out, 0600); err != nil {
				return fmt.Errorf("failed to write directory file: %w", err)
			}

			fmt.Printf("Added node %s (%s) to %s\n", args[0], address, directoryFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&directoryFile, "directory", "f", "./data/directory.json", "Path to the mix directory file")
	cmd.Flags().StringVar(&address, "address", "", "Node's dial address (required)")
	cmd.Flags().StringVar(&publicKeyHex, "public-key", "", "Node's hex-encoded X25519 static public key (required)")
	cmd.Flags().Float64Var(&reputation, "reputation", 1.0, "Initial reputation score")
	return cmd
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Certificate management commands",
		Long:  "Generate and manage TLS certificates for mix-hop transport camouflage.",
	}

	cmd.AddCommand(certCACmd())
	cmd.AddCommand(certNodeCmd())
	cmd.AddCommand(certInfoCmd())
	return cmd
}

func certCACmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
	)

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a CA certificate",
		Long:  "Generate a new Certificate Authority certificate and private key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commonName == "" {
				commonName = "Nyx CA"
			}
			validFor := time.Duration(validDays) * 24 * time.Hour

			fmt.Printf("Generating CA certificate...\n")
			fmt.Printf("  Common Name: %s\n", commonName)
			fmt.Printf("  Valid for: %d days\n", validDays)

			ca, err := certutil.GenerateCA(commonName, validFor)
			if err != nil {
				return fmt.Errorf("failed to generate CA: %w", err)
			}

			certPath := filepath.Join(outDir, "ca.crt")
			keyPath := filepath.Join(outDir, "ca.key")
			if err := ca.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save CA: %w", err)
			}

			fmt.Printf("\nCA certificate generated:\n")
			fmt.Printf("  Certificate: %s\n", certPath)
			fmt.Printf("  Private key: %s\n", keyPath)
			fmt.Printf("  Fingerprint: %s\n", ca.Fingerprint())
			fmt.Printf("  Expires: %s\n", ca.Certificate.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "Nyx CA", "Common name for the CA")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory for certificate files")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity period in days")
	return cmd
}

func certNodeCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
		caPath     string
		caKeyPath  string
		dnsNames   string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Generate a mix-hop transport certificate",
		Long:  "Generate a certificate for a mix-hop listener's TLS camouflage, signed by a CA.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commonName == "" {
				return fmt.Errorf("common name is required")
			}

			ca, err := certutil.LoadCert(caPath, caKeyPath)
			if err != nil {
				return fmt.Errorf("failed to load CA: %w", err)
			}

			validFor := time.Duration(validDays) * 24 * time.Hour
			fmt.Printf("Generating node certificate...\n")
			fmt.Printf("  Common Name: %s\n", commonName)
			fmt.Printf("  Valid for: %d days\n", validDays)

			opts := certutil.DefaultPeerOptions(commonName)
			opts.ValidFor = validFor
			opts.ParentCert = ca.Certificate
			opts.ParentKey = ca.PrivateKey
			if dnsNames != "" {
				opts.DNSNames = append(opts.DNSNames, strings.Split(dnsNames, ",")...)
			}

			cert, err := certutil.GenerateCert(opts)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}

			certPath := filepath.Join(outDir, commonName+".crt")
			keyPath := filepath.Join(outDir, commonName+".key")
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save certificate: %w", err)
			}

			fmt.Printf("\nNode certificate generated:\n")
			fmt.Printf("  Certificate: %s\n", certPath)
			fmt.Printf("  Private key: %s\n", keyPath)
			fmt.Printf("  Fingerprint: %s\n", cert.Fingerprint())
			fmt.Printf("  Expires: %s\n", cert.Certificate.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "", "Common name for the certificate (required)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory for certificate files")
	cmd.Flags().IntVar(&validDays, "days", 90, "Validity period in days")
	cmd.Flags().StringVar(&caPath, "ca", "./certs/ca.crt", "Path to CA certificate")
	cmd.Flags().StringVar(&caKeyPath, "ca-key", "./certs/ca.key", "Path to CA private key")
	cmd.Flags().StringVar(&dnsNames, "dns", "", "Additional DNS names (comma-separated)")
	_ = cmd.MarkFlagRequired("cn")
	return cmd
}

func certInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <certificate>",
		Short: "Display certificate information",
		Long:  "Display detailed information about a certificate file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := certutil.GetCertInfoFromFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read certificate: %w", err)
			}

			fmt.Printf("Certificate: %s\n\n", args[0])
			fmt.Printf("Subject:      %s\n", info.Subject)
			fmt.Printf("Issuer:       %s\n", info.Issuer)
			fmt.Printf("Fingerprint:  %s\n", info.Fingerprint)
			fmt.Printf("Not Before:   %s\n", info.NotBefore.Format(time.RFC3339))
			fmt.Printf("Not After:    %s\n", info.NotAfter.Format(time.RFC3339))

			now := time.Now()
			switch {
			case now.After(info.NotAfter):
				fmt.Printf("Status:       EXPIRED\n")
			case now.Add(30 * 24 * time.Hour).After(info.NotAfter):
				fmt.Printf("Status:       EXPIRING SOON (%d days left)\n", int(info.NotAfter.Sub(now).Hours()/24))
			default:
				fmt.Printf("Status:       Valid (%d days left)\n", int(info.NotAfter.Sub(now).Hours()/24))
			}
			return nil
		},
	}
	return cmd
}

// getJSON issues a GET request to a node's local control socket and decodes
// the JSON response body into v.
func getJSON(ctx context.Context, socketPath, path string, v any) error {
	client := http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

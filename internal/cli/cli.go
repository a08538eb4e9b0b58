// ============================================================================
// Playpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: Cobra-based command line interface for the pool server
//
// Command Structure:
//   playpool                       # Root command
//   ├── run                        # Start the pool server
//   │   └── --config, -c          # Specify config file
//   ├── add-worker                 # Register a worker with a running server
//   │   └── --host, --pubkey, --server
//   ├── status                     # Show pool status from a running server
//   │   └── --server
//   ├── genkey                     # Generate the pool's ed25519 keypair
//   │   └── --out
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   YAML config file (default: configs/default.yaml) with sections for the
//   HTTP server, the pool, the initial worker fleet, and metrics.
//
// Signal Handling:
//   run captures SIGINT/SIGTERM, shuts the HTTP server down gracefully, then
//   closes the pool so backlogged jobs get their backend-error responses.
//
// ============================================================================

package cli

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/playpool/internal/metrics"
	"github.com/ChuLiYu/playpool/internal/pool"
	"github.com/ChuLiYu/playpool/internal/server"
	"github.com/ChuLiYu/playpool/internal/workerclient"
	"github.com/ChuLiYu/playpool/pkg/types"
)

// Config represents the complete system configuration structure.
// Maps config file fields through YAML tags.
type Config struct {
	Server struct {
		Listen           string `yaml:"listen"`
		ReadTimeoutSecs  int    `yaml:"read_timeout_secs"`
		WriteTimeoutSecs int    `yaml:"write_timeout_secs"`
	} `yaml:"server"`

	Pool struct {
		MaxQueuedJobs  int    `yaml:"max_queued_jobs"`
		SecretKeyFile  string `yaml:"secret_key_file"`
		RunTimeoutSecs int    `yaml:"run_timeout_secs"`
		RNGSeed        int64  `yaml:"rng_seed"`
	} `yaml:"pool"`

	Workers []struct {
		Host      string `yaml:"host"`
		PublicKey string `yaml:"public_key"`
	} `yaml:"workers"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "playpool",
		Short: "Playpool: a compiler playground worker-pool server",
		Long: `Playpool dispatches compile/run jobs to a fleet of remote worker
nodes over a signed HTTP protocol, with admission control, health
tracking with exponential backoff, and an internal job backlog.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAddWorkerCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildGenKeyCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pool server",
		Long:  "Load the configuration, start the dispatcher and the HTTP API, and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	secretKey, err := loadSecretKey(cfg.Pool.SecretKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load secret key: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	runTimeout := time.Duration(cfg.Pool.RunTimeoutSecs) * time.Second
	if runTimeout <= 0 {
		runTimeout = 90 * time.Second
	}

	client := workerclient.New(secretKey, runTimeout)
	p, err := pool.New(pool.Config{
		Client:        client,
		MaxQueuedJobs: cfg.Pool.MaxQueuedJobs,
		Metrics:       collector,
		Seed:          cfg.Pool.RNGSeed,
	})
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}

	for _, w := range cfg.Workers {
		key, err := hex.DecodeString(w.PublicKey)
		if err != nil {
			log.Printf("Skipping worker %s: invalid public key: %v\n", w.Host, err)
			continue
		}
		if err := p.AddWorker(w.Host, ed25519.PublicKey(key)); err != nil {
			log.Printf("Skipping worker %s: %v\n", w.Host, err)
		}
	}

	httpSrv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      server.NewServer(p).Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
	}

	go func() {
		log.Printf("Pool server listening on %s\n", cfg.Server.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("\nReceived shutdown signal, stopping gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v\n", err)
	}
	p.Close()

	log.Println("Pool server stopped. Goodbye!")
	return nil
}

func buildAddWorkerCommand() *cobra.Command {
	var host, pubkey, serverURL string

	cmd := &cobra.Command{
		Use:   "add-worker",
		Short: "Register a worker with a running pool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return addWorker(serverURL, host, pubkey)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "worker host (e.g. worker1.example.com:8124)")
	cmd.Flags().StringVar(&pubkey, "pubkey", "", "worker ed25519 public key (hex)")
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8123", "pool server base URL")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("pubkey")

	return cmd
}

func addWorker(serverURL, host, pubkey string) error {
	body, _ := json.Marshal(map[string]string{"host": host, "public_key": pubkey})
	resp, err := http.Post(serverURL+"/workers", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to reach pool server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("server rejected worker (%d): %s", resp.StatusCode, errBody.Error)
	}

	log.Printf("Worker %s registered\n", host)
	return nil
}

func buildStatusCommand() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool status",
		Long:  "Fetch and display the worker fleet, queue lengths, and each worker's version count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(serverURL)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8123", "pool server base URL")
	return cmd
}

func showStatus(serverURL string) error {
	resp, err := http.Get(serverURL + "/status")
	if err != nil {
		return fmt.Errorf("failed to reach pool server: %w", err)
	}
	defer resp.Body.Close()

	var status types.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                 Playpool System Status                    ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📊 Queues:")
	fmt.Printf("  ├─ Jobs queued:   %d\n", status.JobQueueLength)
	fmt.Printf("  └─ Events queued: %d\n", status.EventQueueLength)
	fmt.Println()

	fmt.Printf("🖥  Workers (%d):\n", len(status.Workers))
	for _, w := range status.Workers {
		state := "✅ healthy"
		if w.Disabled != nil {
			state = fmt.Sprintf("❌ disabled (next check in %s)", w.Disabled[1].Duration())
		}
		idle := ""
		if w.Idle {
			idle = ", idle"
		}
		fmt.Printf("  └─ %s: %s%s, %d versions\n", w.Addr.Host, state, idle, len(w.Versions))
	}
	fmt.Println()

	return nil
}

func buildGenKeyCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate the pool's ed25519 keypair",
		Long:  "Write the secret key to a file (hex) and print the public key to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateKey(outFile)
		},
	}

	cmd.Flags().StringVar(&outFile, "out", "pool.key", "secret key output file")
	return cmd
}

func generateKey(outFile string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	if err := os.WriteFile(outFile, []byte(hex.EncodeToString(priv)+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write secret key: %w", err)
	}

	log.Printf("Secret key written to %s\n", outFile)
	fmt.Printf("public_key: %s\n", hex.EncodeToString(pub))
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

// loadSecretKey reads a hex-encoded ed25519 key. Both a 64-byte private key
// (as written by genkey) and a 32-byte seed are accepted.
func loadSecretKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file is not valid hex: %w", err)
	}

	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("key must be %d or %d bytes, got %d",
			ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
	}
}

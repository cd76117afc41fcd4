package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mepassa-bootstrap/api/rest"
	"mepassa-bootstrap/config"
	"mepassa-bootstrap/core/identity"
	"mepassa-bootstrap/core/peerstore"
	"mepassa-bootstrap/network/bootnode"

	"github.com/spf13/cobra"
)

var (
	// Global flags; anything left at its default falls back to the
	// environment-driven configuration.
	p2pPort    int
	healthPort int
	dataDir    string
	seed       string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mepassa-bootstrap",
	Short: "Bootstrap node for the MePassa peer-to-peer messaging network",
	Long: `A stable, well-known DHT entry point that new peers contact first to
discover the rest of the network.

It provides:
- Deterministic node identity derived from a configured seed
- A Kademlia DHT routing table pre-seeded from a persistent peer cache
- Encrypted, multiplexed libp2p transport (TCP and QUIC)
- Circuit relay and hole punching for NAT-bound clients
- A health endpoint for external monitoring`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// runCmd starts the bootstrap node daemon
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bootstrap node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd)
	},
}

// identityCmd prints the peer ID a seed derives, so operators can pin
// and pre-announce the node identity before deploying it
var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print the peer ID derived from the configured seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		_, id, err := identity.Derive(cfg.PeerIDSeed)
		if err != nil {
			return fmt.Errorf("failed to derive identity: %w", err)
		}
		fmt.Println(id)
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("p2p-port") {
		cfg.P2PPort = p2pPort
	}
	if cmd.Flags().Changed("health-port") {
		cfg.HealthPort = healthPort
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if cmd.Flags().Changed("seed") {
		cfg.PeerIDSeed = seed
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func runNode(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.LogLevel == "debug" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	log.Printf("MePassa bootstrap node starting...")
	log.Printf("  P2P port:    %d", cfg.P2PPort)
	log.Printf("  Health port: %d", cfg.HealthPort)
	log.Printf("  Data dir:    %s", cfg.DataDir)

	// Identity must be stable across restarts; failure here is fatal.
	privKey, peerID, err := identity.Derive(cfg.PeerIDSeed)
	if err != nil {
		return fmt.Errorf("failed to derive identity: %w", err)
	}
	log.Printf("  Peer ID:     %s", peerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage accelerates restart but is not required for a correct
	// live DHT: on failure the node continues memory-only.
	var store *peerstore.Store
	store, err = peerstore.Open(filepath.Join(cfg.DataDir, "dht.db"))
	if err != nil {
		log.Printf("Failed to open peer store, continuing in memory-only mode: %v", err)
		store = nil
	}
	if store != nil {
		if _, err := store.EvictStale(cfg.MaxPeerAge); err != nil {
			log.Printf("Failed to evict stale peers: %v", err)
		}
	}

	// Bind the health port before the node launches: a node nobody can
	// monitor should not start at all.
	healthLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
	if err != nil {
		if store != nil {
			store.Close()
		}
		return fmt.Errorf("failed to bind health port %d: %w", cfg.HealthPort, err)
	}

	node, err := bootnode.New(ctx, cfg, privKey, store)
	if err != nil {
		healthLn.Close()
		if store != nil {
			store.Close()
		}
		return fmt.Errorf("failed to start bootstrap node: %w", err)
	}

	healthServer := rest.NewServer(node, store)
	go func() {
		if err := healthServer.Serve(healthLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Health server failed: %v", err)
		}
	}()

	log.Printf("Bootstrap node ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping health server: %v", err)
	}
	if err := node.Close(); err != nil {
		log.Printf("Error closing node: %v", err)
	}
	// Closed last so every write accepted during shutdown is drained
	// to disk before exit.
	if store != nil {
		if err := store.Close(); err != nil {
			log.Printf("Error closing peer store: %v", err)
		}
	}

	log.Printf("Shutdown complete")
	return nil
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, identityCmd} {
		cmd.Flags().IntVar(&p2pPort, "p2p-port", config.DefaultP2PPort, "libp2p listen port")
		cmd.Flags().IntVar(&healthPort, "health-port", config.DefaultHealthPort, "health endpoint port")
		cmd.Flags().StringVar(&dataDir, "data-dir", config.DefaultDataDir, "data directory for the peer store")
		cmd.Flags().StringVar(&seed, "seed", config.DefaultPeerIDSeed, "identity seed string")
		cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(identityCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

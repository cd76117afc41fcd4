package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults let the node run with zero configuration. Operators must
// override PEER_ID_SEED for a production, externally-announced identity.
const (
	DefaultP2PPort    = 4001
	DefaultHealthPort = 8000
	DefaultPeerIDSeed = "bootstrap-1"
	DefaultDataDir    = "./data"
	DefaultLogLevel   = "info"

	DefaultMaxPeerAge   = 7 * 24 * time.Hour
	DefaultQueryTimeout = 60 * time.Second
	DefaultBucketSize   = 20

	DefaultRelayMaxCircuits  = 100
	DefaultRelayMaxPerPeer   = 10
	DefaultRelayMaxBytesPerS = 1_000_000
)

// Config holds the bootstrap node configuration.
type Config struct {
	// P2PPort is the libp2p listen port (TCP and QUIC).
	P2PPort int

	// HealthPort is the HTTP health/metrics listen port.
	HealthPort int

	// PeerIDSeed deterministically derives the node identity.
	PeerIDSeed string

	// DataDir holds the persistent peer database. Created if absent.
	DataDir string

	// LogLevel controls log verbosity ("info" or "debug").
	LogLevel string

	// MaxPeerAge is the staleness threshold for stored peer records.
	MaxPeerAge time.Duration

	// QueryTimeout bounds a single DHT discovery query.
	QueryTimeout time.Duration

	// BucketSize is the Kademlia replication factor k.
	BucketSize int

	// Relay server knobs.
	RelayEnabled           bool
	RelayMaxCircuits       int
	RelayMaxPerPeer        int
	RelayMaxBytesPerSecond int64
}

// FromEnv loads configuration from environment variables, applying
// defaults for anything unset.
func FromEnv() (*Config, error) {
	cfg := &Config{
		PeerIDSeed: envString("PEER_ID_SEED", DefaultPeerIDSeed),
		DataDir:    envString("DATA_DIR", DefaultDataDir),
		LogLevel:   envString("LOG_LEVEL", DefaultLogLevel),
	}

	var err error
	if cfg.P2PPort, err = envInt("BOOTSTRAP_PORT", DefaultP2PPort); err != nil {
		return nil, err
	}
	if cfg.HealthPort, err = envInt("HEALTH_PORT", DefaultHealthPort); err != nil {
		return nil, err
	}
	if cfg.MaxPeerAge, err = envDuration("PEER_MAX_AGE", DefaultMaxPeerAge); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout, err = envDuration("DHT_QUERY_TIMEOUT", DefaultQueryTimeout); err != nil {
		return nil, err
	}
	if cfg.BucketSize, err = envInt("DHT_BUCKET_SIZE", DefaultBucketSize); err != nil {
		return nil, err
	}
	if cfg.RelayEnabled, err = envBool("RELAY_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.RelayMaxCircuits, err = envInt("RELAY_MAX_CIRCUITS", DefaultRelayMaxCircuits); err != nil {
		return nil, err
	}
	if cfg.RelayMaxPerPeer, err = envInt("RELAY_MAX_PER_PEER", DefaultRelayMaxPerPeer); err != nil {
		return nil, err
	}
	maxBytes, err := envInt("RELAY_MAX_BYTES_PER_SEC", DefaultRelayMaxBytesPerS)
	if err != nil {
		return nil, err
	}
	cfg.RelayMaxBytesPerSecond = int64(maxBytes)

	return cfg, nil
}

// Validate checks the configuration and creates the data directory.
// An empty seed is rejected outright: an unstable identity is worse than
// a crash, since external parties pin this node's peer ID.
func (c *Config) Validate() error {
	if c.PeerIDSeed == "" {
		return fmt.Errorf("PEER_ID_SEED cannot be empty")
	}
	if c.BucketSize <= 0 {
		return fmt.Errorf("DHT_BUCKET_SIZE must be positive, got %d", c.BucketSize)
	}
	if c.MaxPeerAge <= 0 {
		return fmt.Errorf("PEER_MAX_AGE must be positive, got %s", c.MaxPeerAge)
	}
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", c.DataDir, err)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	// Accept plain seconds for parity with the env conventions of the
	// other deployment services, falling back to Go duration syntax.
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return d, nil
}

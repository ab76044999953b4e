package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreLevelDB = "leveldb"
	StoreRedis   = "redis"
)

// RedisConfig locates the redis server used when Store is "redis".
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db"`
	Namespace string `json:"namespace"`
}

// ClusterConfig sizes the in-process computation cluster.
type ClusterConfig struct {
	Workers      int    `json:"workers"`
	QueueSize    int    `json:"queue_size"`
	ResultTTLSec int    `json:"result_ttl_sec"` // how long finished outputs stay available for redelivery
	MaxResults   int    `json:"max_results"`
	Keystore     string `json:"keystore"` // cluster signing key; relative paths live under DataDir
}

// ResultTTL is how long the cluster keeps a finished output.
func (c ClusterConfig) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLSec) * time.Second
}

// Config holds all node configuration.
type Config struct {
	NodeID        string        `json:"node_id"`
	ChainID       string        `json:"chain_id"`
	DataDir       string        `json:"data_dir"`
	Keystore      string        `json:"keystore"` // operator wallet; relative paths live under DataDir
	Store         string        `json:"store"`
	Redis         RedisConfig   `json:"redis"`
	RPCPort       int           `json:"rpc_port"`
	RPCAuthToken  string        `json:"rpc_auth_token,omitempty"`
	RPCJWTSecret  string        `json:"rpc_jwt_secret,omitempty"`
	TLS           *TLSConfig    `json:"tls,omitempty"`
	Authorities   []string      `json:"authorities"` // pubkeys allowed to register circuits; empty → operator only
	Cluster       ClusterConfig `json:"cluster"`
	ResolutionSec int           `json:"resolution_timeout_sec"`
	WatchdogSec   int           `json:"watchdog_interval_sec"`
	RedispatchSec int           `json:"redispatch_after_sec"`

	// Password unlocks the keystores. It is only ever read from the
	// environment and never written back to disk.
	Password string `json:"-"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:   "duel0",
		ChainID:  "shadowduel-dev",
		DataDir:  "./data",
		Keystore: "operator.json",
		Store:    StoreLevelDB,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "shadowduel:",
		},
		RPCPort: 8645,
		Cluster: ClusterConfig{
			Workers:      4,
			QueueSize:    256,
			ResultTTLSec: 600,
			MaxResults:   4096,
			Keystore:     "cluster.json",
		},
		ResolutionSec: 120,
		WatchdogSec:   15,
		RedispatchSec: 30,
	}
}

// ResolutionTimeout is how long a computation may stay outstanding before
// a player can abandon it.
func (c *Config) ResolutionTimeout() time.Duration {
	return time.Duration(c.ResolutionSec) * time.Second
}

// WatchdogInterval is the period of the stuck-resolution sweep.
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogSec) * time.Second
}

// RedispatchAfter is the age at which the watchdog re-sends a computation.
func (c *Config) RedispatchAfter() time.Duration {
	return time.Duration(c.RedispatchSec) * time.Second
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.ChainID == "" {
		return errors.New("chain_id is required")
	}
	switch c.Store {
	case StoreLevelDB:
	case StoreRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.RPCPort < 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port %d out of range", c.RPCPort)
	}
	if c.Cluster.Workers <= 0 {
		return errors.New("cluster.workers must be positive")
	}
	if c.Cluster.ResultTTLSec < 0 || c.Cluster.MaxResults < 0 {
		return errors.New("cluster result cache limits must not be negative")
	}
	if c.Cluster.ResultTTLSec > 0 && c.Cluster.ResultTTLSec < c.RedispatchSec {
		return errors.New("cluster.result_ttl_sec must cover redispatch_after_sec")
	}
	if c.ResolutionSec <= 0 {
		return errors.New("resolution_timeout_sec must be positive")
	}
	if c.WatchdogSec < 0 || c.RedispatchSec < 0 {
		return errors.New("watchdog intervals must not be negative")
	}
	return nil
}

// Load reads a JSON config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadEnv loads the given dotenv files (".env" when none are named) into the
// process environment, then overlays any DUEL_* variables onto cfg. Missing
// dotenv files are ignored; variables already set in the environment win.
func LoadEnv(cfg *Config, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return ApplyEnv(cfg)
}

// ApplyEnv overlays DUEL_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("DUEL_PASSWORD"); ok {
		cfg.Password = v
	}
	if v := os.Getenv("DUEL_CHAIN_ID"); v != "" {
		cfg.ChainID = v
	}
	if v := os.Getenv("DUEL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DUEL_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("DUEL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v, ok := os.LookupEnv("DUEL_REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	if v, ok := os.LookupEnv("DUEL_RPC_AUTH_TOKEN"); ok {
		cfg.RPCAuthToken = v
	}
	if v, ok := os.LookupEnv("DUEL_RPC_JWT_SECRET"); ok {
		cfg.RPCJWTSecret = v
	}
	if v := os.Getenv("DUEL_RPC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DUEL_RPC_PORT: %w", err)
		}
		cfg.RPCPort = port
	}
	return nil
}

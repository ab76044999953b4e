package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.ChainID = "duel-test"
	cfg.Authorities = []string{"aa", "bb"}
	cfg.Password = "secret"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "secret") {
		t.Error("password must not be written to the config file")
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ChainID != "duel-test" || len(got.Authorities) != 2 {
		t.Errorf("loaded %+v", got)
	}
	if got.Cluster.Workers != 4 {
		t.Errorf("defaults should fill unset fields, workers=%d", got.Cluster.Workers)
	}
}

func TestLoadEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	body := "DUEL_DATA_DIR=/var/duel\nDUEL_STORE=redis\nDUEL_REDIS_ADDR=cache:6379\nDUEL_RPC_PORT=9000\n"
	if err := os.WriteFile(envFile, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	// godotenv never overrides variables that are already set.
	t.Setenv("DUEL_RPC_PORT", "9100")
	t.Setenv("DUEL_PASSWORD", "pw")
	for _, k := range []string{"DUEL_DATA_DIR", "DUEL_STORE", "DUEL_REDIS_ADDR"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg := DefaultConfig()
	if err := LoadEnv(cfg, envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.DataDir != "/var/duel" || cfg.Store != StoreRedis || cfg.Redis.Addr != "cache:6379" {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	if cfg.RPCPort != 9100 {
		t.Errorf("rpc port: want 9100 from the environment, got %d", cfg.RPCPort)
	}
	if cfg.Password != "pw" {
		t.Errorf("password: got %q", cfg.Password)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyEnvBadPort(t *testing.T) {
	t.Setenv("DUEL_RPC_PORT", "http")
	if err := ApplyEnv(DefaultConfig()); err == nil {
		t.Error("non-numeric port should fail")
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cases := map[string]func(*Config){
		"no chain":      func(c *Config) { c.ChainID = "" },
		"bad store":     func(c *Config) { c.Store = "bolt" },
		"redis no addr": func(c *Config) { c.Store = StoreRedis; c.Redis.Addr = "" },
		"no workers":    func(c *Config) { c.Cluster.Workers = 0 },
		"no timeout":    func(c *Config) { c.ResolutionSec = 0 },
		"port":          func(c *Config) { c.RPCPort = 70000 },
		"negative cap":  func(c *Config) { c.Cluster.MaxResults = -1 },
		"short ttl":     func(c *Config) { c.Cluster.ResultTTLSec = c.RedispatchSec - 1 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadTLSConfigDisabled(t *testing.T) {
	tc, err := LoadTLSConfig(nil)
	if err != nil || tc != nil {
		t.Fatalf("nil config: got %v, %v", tc, err)
	}
	if _, err := LoadTLSConfig(&TLSConfig{Cert: "missing.pem", Key: "missing.key"}); err == nil {
		t.Error("missing cert files should fail")
	}
}

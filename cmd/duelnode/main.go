// Command duelnode runs a shadowduel ledger with its computation cluster,
// result relay, stuck-resolution watchdog and JSON-RPC endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/tolelom/shadowduel/config"
	"github.com/tolelom/shadowduel/coordinator"
	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/crypto"
	"github.com/tolelom/shadowduel/events"
	"github.com/tolelom/shadowduel/indexer"
	"github.com/tolelom/shadowduel/ledger"
	"github.com/tolelom/shadowduel/match"
	"github.com/tolelom/shadowduel/mxe"
	"github.com/tolelom/shadowduel/rpc"
	"github.com/tolelom/shadowduel/storage"
	"github.com/tolelom/shadowduel/vm"
	"github.com/tolelom/shadowduel/vm/modules/duel"
	"github.com/tolelom/shadowduel/wallet"
	"github.com/tolelom/shadowduel/watchdog"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	envPath := flag.String("env", ".env", "dotenv file overlaid on the config")
	genKey := flag.Bool("genkey", false, "generate operator and cluster keystores and exit")
	initCfg := flag.Bool("init", false, "write the default config to -config and exit")
	flag.Parse()

	if *initCfg {
		if err := config.Save(config.DefaultConfig(), *cfgPath); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Wrote default config to %s\n", *cfgPath)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// Keystore password comes from the environment (not CLI flags, they leak via ps).
	if err := config.LoadEnv(cfg, *envPath); err != nil {
		log.Fatalf("env: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Password == "" {
		log.Fatal("DUEL_PASSWORD is not set")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	operatorPath := dataPath(cfg, cfg.Keystore)
	clusterPath := dataPath(cfg, cfg.Cluster.Keystore)

	// ---- generate key mode ----
	if *genKey {
		for _, p := range []struct{ name, path string }{{"operator", operatorPath}, {"cluster", clusterPath}} {
			pub, err := generateKey(p.path, cfg.Password)
			if err != nil {
				log.Fatalf("%s key: %v", p.name, err)
			}
			fmt.Printf("%s key %s saved to %s\n", p.name, pub, p.path)
		}
		return
	}

	// ---- load keys ----
	operatorKey, err := wallet.LoadKey(operatorPath, cfg.Password)
	if err != nil {
		log.Fatalf("load operator key: %v", err)
	}
	operator, err := wallet.New(operatorKey)
	if err != nil {
		log.Fatalf("operator wallet: %v", err)
	}
	clusterKey, err := wallet.LoadKey(clusterPath, cfg.Password)
	if err != nil {
		log.Fatalf("load cluster key: %v", err)
	}

	// ---- open DB ----
	db, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()
	state := storage.NewStateDB(db)

	// ---- events + indexer ----
	emitter := events.NewEmitter()
	idx := indexer.New(db, emitter)

	// ---- computation cluster ----
	cluster, err := mxe.New(clusterKey, mxe.Config{
		Workers:    cfg.Cluster.Workers,
		QueueSize:  cfg.Cluster.QueueSize,
		ResultTTL:  cfg.Cluster.ResultTTL(),
		MaxResults: cfg.Cluster.MaxResults,
	})
	if err != nil {
		log.Fatalf("cluster: %v", err)
	}
	var defs []core.CircuitDefinition
	for _, v := range []core.Variant{core.VariantDominance, core.VariantCard} {
		def, err := cluster.Definition(v)
		if err != nil {
			log.Fatalf("circuit %s: %v", v, err)
		}
		if err := cluster.Register(def); err != nil {
			log.Fatalf("register %s in cluster: %v", def.Name, err)
		}
		defs = append(defs, def)
	}

	// ---- ledger ----
	machine := match.NewMachine(cfg.ResolutionTimeout())
	coord := coordinator.New(cluster, machine)
	authorities := cfg.Authorities
	if len(authorities) == 0 {
		authorities = []string{operator.PubKey()}
	}
	registry := vm.NewRegistry()
	duel.New(machine, coord, authorities).Register(registry)

	l, err := ledger.New(cfg.ChainID, state, registry, emitter)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	log.Printf("Ledger %s at height %d", cfg.ChainID, l.Height())

	// ---- cluster workers + relay ----
	cluster.SetSink(coordinator.NewRelay(operator, l))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := cluster.Run(ctx); err != nil {
			log.Printf("[mxe] stopped: %v", err)
		}
	}()
	log.Printf("Cluster running (%d workers, encryption key %x)", cfg.Cluster.Workers, cluster.PublicKey())

	// ---- bootstrap circuit registrations ----
	if _, err := ledger.Bootstrap(ctx, l, operator, defs); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	// ---- watchdog ----
	wd := watchdog.New(l, idx, coord, cfg.RedispatchAfter())
	if cfg.WatchdogSec > 0 {
		if err := wd.Start(cfg.WatchdogInterval()); err != nil {
			log.Fatalf("watchdog: %v", err)
		}
		log.Printf("Watchdog sweeping every %s", cfg.WatchdogInterval())
	}

	// ---- RPC ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	auth := rpc.Auth{Token: cfg.RPCAuthToken, JWTSecret: cfg.RPCJWTSecret}
	rpcServer := rpc.NewServer(rpcAddr, rpc.NewHandler(l, idx, cluster), rpc.Options{
		Auth: auth,
		TLS:  tlsCfg,
		Hub:  rpc.NewHub(emitter),
	})
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	log.Printf("RPC listening on %s", rpcAddr)
	if auth.Enabled() {
		log.Println("RPC authentication enabled")
	}
	if tlsCfg != nil {
		log.Println("RPC served over TLS")
	}

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop taking requests, then stop re-dispatching.
	if err := rpcServer.Stop(); err != nil {
		log.Printf("rpc stop: %v", err)
	}
	if err := wd.Stop(); err != nil {
		log.Printf("watchdog stop: %v", err)
	}
	// 2. Drain the cluster. Outstanding computations are picked up by the
	// watchdog after restart.
	cancel()
	wg.Wait()

	// 3. Deferred db.Close runs last.
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func dataPath(cfg *config.Config, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.DataDir, p)
}

func openStore(cfg *config.Config) (storage.DB, error) {
	switch cfg.Store {
	case config.StoreRedis:
		log.Printf("Using redis store at %s (namespace %q)", cfg.Redis.Addr, cfg.Redis.Namespace)
		return storage.NewRedisDB(storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		})
	default:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	}
}

// generateKey writes a fresh keystore to path unless one already exists.
func generateKey(path, password string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	if err := wallet.SaveKey(path, password, priv); err != nil {
		return "", err
	}
	return pub.Hex(), nil
}

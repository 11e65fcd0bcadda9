package main

import (
	"context"
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	ethlog "github.com/ethereum/go-ethereum/log"

	"github.com/forkdb-experiment/forkdb/config"
	"github.com/forkdb-experiment/forkdb/internal/cache"
	"github.com/forkdb-experiment/forkdb/internal/fetch"
	"github.com/forkdb-experiment/forkdb/internal/fork"
	"github.com/forkdb-experiment/forkdb/internal/network"
	"github.com/forkdb-experiment/forkdb/internal/rpcnode"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config file")
	rpcURL := flag.String("rpc-url", "", "Upstream JSON-RPC endpoint (archive node for old blocks)")
	blockNumber := flag.Uint64("block", 0, "Block to fork at (0 = latest)")
	port := flag.Int("port", config.DefaultListenPort, "JSON-RPC listen port")
	cacheDir := flag.String("cache-dir", "", "Directory for the persistent state cache (empty = disabled)")
	verbosity := flag.Int("verbosity", 3, "Log verbosity, 0=crit to 5=trace")
	flag.Parse()

	ethlog.SetDefault(ethlog.NewLogger(ethlog.NewTerminalHandlerWithLevel(os.Stderr, ethlog.FromLegacyLevel(*verbosity), false)))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	// Flags override the file, environment overrides both.
	if *rpcURL != "" {
		cfg.RPCURL = *rpcURL
	}
	if *blockNumber != 0 {
		cfg.BlockNumber = *blockNumber
	}
	if *port != config.DefaultListenPort {
		cfg.ListenPort = *port
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if envURL := os.Getenv("FORKDB_RPC_URL"); envURL != "" {
		cfg.RPCURL = envURL
	}
	if envBlock := os.Getenv("FORKDB_BLOCK"); envBlock != "" {
		if n, err := strconv.ParseUint(envBlock, 10, 64); err == nil {
			cfg.BlockNumber = n
		}
	}
	if envPort := os.Getenv("FORKDB_PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			cfg.ListenPort = p
		}
	}

	if cfg.RPCURL == "" {
		log.Fatal("An upstream RPC url is required (-rpc-url or FORKDB_RPC_URL)")
	}

	setupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fetchTimeout := time.Duration(cfg.Fetch.TimeoutSec) * time.Second
	httpClient := network.NewHTTPClient(cfg.Network, fetchTimeout)
	fetcher, err := fetch.Dial(setupCtx, cfg.RPCURL, httpClient, cfg.Fetch.RatePerSec, cfg.Fetch.RateBurst)
	if err != nil {
		log.Fatalf("Failed to connect to provider: %v", err)
	}
	defer fetcher.Close()

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = fetcher.Client().ChainID(setupCtx)
		if err != nil {
			log.Fatalf("Failed to fetch chain id: %v", err)
		}
	}

	var pinned *big.Int
	if cfg.BlockNumber != 0 {
		pinned = new(big.Int).SetUint64(cfg.BlockNumber)
	}
	header, err := fetcher.Client().HeaderByNumber(setupCtx, pinned)
	if err != nil {
		log.Fatalf("Failed to fetch fork header: %v", err)
	}

	db := cache.NewBlockchainDB()
	var disk *cache.DiskCache
	if cfg.CacheDir != "" {
		path := cache.CachePath(cfg.CacheDir, chainID.Uint64(), header.Number.Uint64())
		disk = cache.NewDiskCache(path, chainID.Uint64(), header.Number.Uint64())
		if err := disk.Load(db); err != nil {
			log.Printf("Could not load disk cache: %v", err)
		}
	}

	backend := fork.Spawn(fetcher, db, fork.EnvFromHeader(chainID, header), fork.Options{
		PinnedBlock:   new(big.Int).Set(header.Number),
		MaxConcurrent: cfg.Fetch.MaxConcurrent,
		FetchTimeout:  fetchTimeout,
		DiskCache:     disk,
	})

	server := rpcnode.NewServer(rpcnode.NewBackendSource(backend))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Shutting down")
		server.Close()
	}()

	log.Printf("Forked chain %s at block %s, serving on port %d", chainID, header.Number, cfg.ListenPort)
	if err := server.Start(cfg.ListenPort); err != nil {
		log.Fatalf("Server failed: %v", err)
	}

	// Settle pending reads and flush the disk cache before exit.
	backend.Close()
}

// Package main implements the veil storage node. A node holds one share of
// every transaction amount together with the transaction's plaintext fields,
// and answers the coordinator's record and query calls.
//
// A node never sees a plaintext amount. Aggregates it computes are sums of
// shares modulo the configured modulus and are meaningless on their own.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API (bearer token except health): │
//	│    /health            - liveness        │
//	│    /records[/:id]     - share records   │
//	│    /queries[/:id/..]  - query pipeline  │
//	│    /stats             - counters        │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Vault         - records + queries    │
//	│    Store         - memory or Redis      │
//	│    Verifier      - per-node JWT secret  │
//	└─────────────────────────────────────────┘
//
// Configuration (YAML via -config, or VEIL_* environment):
//   - VEIL_ID: node identifier, must match the coordinator roster (required)
//   - VEIL_LISTEN: listen address (default ":8081")
//   - VEIL_SECRET: token secret shared with the coordinator (required)
//   - VEIL_ISSUER: expected token issuer (default "veil-coordinator")
//   - VEIL_REDIS_ADDR: Redis address; records stay in memory when unset
//
// Example usage:
//
//	VEIL_ID=node-1 VEIL_SECRET=s1 VEIL_LISTEN=:8081 ./node
//	VEIL_ID=node-2 VEIL_SECRET=s2 VEIL_LISTEN=:8082 VEIL_REDIS_ADDR=localhost:6379 ./node
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/veil/internal/auth"
	"github.com/dreamware/veil/internal/config"
	"github.com/dreamware/veil/internal/logger"
	"github.com/dreamware/veil/internal/node"
	"github.com/dreamware/veil/internal/storage"
)

func main() {
	configPath := flag.String("config", getenv("VEIL_CONFIG", ""), "path to the node YAML config")
	flag.Parse()

	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		boot := logger.New("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(cfg.LogLevel).With().Str("node", cfg.ID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newHandler(cfg, store, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("node listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info().Msg("node stopped")
}

// openStore returns a Redis store when cfg.RedisAddr is set and an
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.NodeServer, log zerolog.Logger) (storage.Store, error) {
	if cfg.RedisAddr == "" {
		log.Warn().Msg("no redis_addr configured, records are kept in memory only")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.ID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("redis", cfg.RedisAddr).Int("db", cfg.RedisDB).Msg("using redis store")
	return store, nil
}

func newHandler(cfg *config.NodeServer, store storage.Store, log zerolog.Logger) http.Handler {
	vault := node.NewVault(cfg.ID, store)
	verifier := auth.NewVerifier(cfg.ID, cfg.Issuer, cfg.Secret)
	return node.NewServer(vault, verifier, log).Handler()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

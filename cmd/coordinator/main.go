// Command coordinator serves the ledger API. It keeps the hash chain in
// memory, distributes amount shares to the configured storage nodes and
// answers sums and metrics from the nodes' partial aggregates.
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

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/dreamware/veil/internal/auth"
	"github.com/dreamware/veil/internal/cluster"
	"github.com/dreamware/veil/internal/config"
	"github.com/dreamware/veil/internal/coordinator"
	"github.com/dreamware/veil/internal/logger"
)

func main() {
	configPath := flag.String("config", getenv("VEIL_CONFIG", ""), "path to the coordinator YAML config")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		boot := logger.New("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(cfg.LogLevel)

	srv, err := newServer(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build coordinator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if report, err := srv.coord.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("could not load chain from nodes, starting empty")
	} else if err := report.Err(); err != nil {
		log.Warn().Err(err).Msg("some stored records could not be reconstructed")
	}

	go srv.monitor.Start(ctx, srv.coord.Nodes())

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           withCORS(srv.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Listen).Int("nodes", len(cfg.Nodes)).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.monitor.Stop()
	log.Info().Msg("coordinator stopped")
}

type server struct {
	coord   *coordinator.Coordinator
	engine  *coordinator.Engine
	monitor *coordinator.HealthMonitor
	log     zerolog.Logger
}

// newServer wires the roster, token issuer, coordinator, engine and health
// monitor from cfg.
func newServer(cfg *config.Config, log zerolog.Logger) (*server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	issuer := auth.NewIssuer(cfg.Issuer, cfg.TokenTTL, cfg.Secrets())
	httpClient := &http.Client{Timeout: cfg.NodeTimeout}
	nodes := make([]coordinator.NodeClient, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodes = append(nodes, cluster.NewClient(cluster.NodeInfo{ID: n.ID, Addr: n.Addr}, issuer, httpClient))
	}

	coord, err := coordinator.New(cfg, nodes, log)
	if err != nil {
		return nil, err
	}
	engine, err := coordinator.NewEngine(cfg, nodes, log)
	if err != nil {
		return nil, err
	}

	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	monitor := coordinator.NewHealthMonitor(interval, log)
	monitor.SetOnUnhealthy(func(nodeID string) {
		log.Error().Str("node", nodeID).Msg("node unhealthy, writes and aggregates will be incomplete")
	})

	return &server{coord: coord, engine: engine, monitor: monitor, log: log}, nil
}

func withCORS(h http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
	}).Handler(h)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

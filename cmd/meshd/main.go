package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/candlefish-ai/meshcoord/internal/api"
	"github.com/candlefish-ai/meshcoord/internal/audit"
	"github.com/candlefish-ai/meshcoord/internal/config"
	"github.com/candlefish-ai/meshcoord/internal/coordinator"
	"github.com/candlefish-ai/meshcoord/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run0())
}

func run0() int {
	configPath := flag.String("config", "meshd.config.json", "Path to config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	agentID := flag.String("id", "", "Agent ID (overrides config)")
	peers := flag.String("peers", "", "Comma-separated bootstrap peers (overrides config)")
	logFormat := flag.String("log-format", "", "Log format: json or text (overrides config)")
	flag.Parse()

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.Network.ListenAddr = *addr
	}
	if *agentID != "" {
		cfg.Agent.ID = *agentID
	}
	if *peers != "" {
		cfg.Network.Peers = splitPeers(*peers)
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "meshd: invalid config: %v\n", err)
		return 1
	}

	logger, err := newLogger(os.Stdout, cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		return 1
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// loadConfig reads the config file when it exists, otherwise starts from
// defaults. Environment overrides are applied either way.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.LoadDefault()
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func splitPeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("meshd starting", "version", version, "agent_id", cfg.Agent.ID,
		"addr", cfg.Network.ListenAddr, "peers", len(cfg.Network.Peers))

	otelShutdown, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	metrics, err := telemetry.NewMetrics(telemetry.Meter("meshcoord/coordinator"))
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	auditOpts := []audit.Option{audit.WithMaxEntries(cfg.Audit.MaxEntries), audit.WithLogger(logger)}
	if cfg.Audit.SQLitePath != "" {
		sink, err := audit.OpenSQLite(cfg.Audit.SQLitePath)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		auditOpts = append(auditOpts, audit.WithSink(sink))
		logger.Info("audit journal persisted", "path", cfg.Audit.SQLitePath)
	}
	journal := audit.NewLogger(auditOpts...)
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Error("audit close error", "error", err)
		}
	}()

	node, err := coordinator.New(coordinator.ConfigFrom(cfg),
		coordinator.WithJournal(journal),
		coordinator.WithMetrics(metrics),
		coordinator.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Network.ListenAddr,
		Handler:           api.NewServer(node, api.WithOperator(cfg.API.OperatorEnabled), api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return node.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("http listening", "addr", srv.Addr, "operator", cfg.API.OperatorEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("meshd shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	connectTimeout := config.ParseDuration(cfg.Network.ConnectTimeout, 5*time.Second)
	for _, addr := range cfg.Network.Peers {
		addr := addr
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(gctx, connectTimeout)
			defer cancel()
			peerID, err := node.ConnectToPeer(dialCtx, addr)
			if err != nil {
				// Unreachable bootstrap peers are not fatal; they can dial us later.
				logger.Warn("bootstrap peer unreachable", "addr", addr, "error", err)
				return nil
			}
			logger.Info("bootstrap peer connected", "addr", addr, "peer_id", peerID)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("meshd stopped")
	return err
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dumbbond/ehri-rest/internal/config"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/views"
)

var cfg *config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	rootCmd := &cobra.Command{
		Use:   "ehri",
		Short: "Event log and permission engine for archival catalogues",
		Long:  "ehri records who changed what in a graph of archival descriptions, keeps prior versions of changed items, and answers permission checks over users, groups and scopes.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		initCmd(),
		loadCmd(),
		commitCmd(),
		eventsCmd(),
		versionsCmd(),
		checkCmd(),
		digestCmd(),
		serveCmd(),
		mcpCmd(),
	)

	rootCmd.SetContext(ctx)

	err := rootCmd.Execute()
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil && cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg != nil && cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newStore opens the configured graph backend. The returned close function
// also flushes tracing when it is enabled.
func newStore(ctx context.Context, logger *slog.Logger) (graph.Store, func(), error) {
	var st graph.Store
	switch cfg.Graph.Backend {
	case "memory":
		logger.Warn("graph backend is in-memory; nothing will be persisted")
		st = graph.NewMemoryStore()
	case "sqlite":
		s, err := graph.OpenSQLite(cfg.Graph.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		st = s
	case "neo4j":
		s, err := graph.NewNeo4jStore(graph.Neo4jConfig{
			URI:                     cfg.Neo4j.URI,
			Username:                cfg.Neo4j.Username,
			Password:                cfg.Neo4j.Password,
			Database:                cfg.Neo4j.Database,
			MaxConnectionPoolSize:   cfg.Neo4j.MaxPoolSize,
			ConnectionTimeout:       cfg.Neo4j.ConnectionTimeout,
			MaxTransactionRetryTime: cfg.Neo4j.MaxTransactionRetryTime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Connect(ctx); err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, nil, err
		}
		st = s
	default:
		return nil, nil, fmt.Errorf("unknown graph backend %q", cfg.Graph.Backend)
	}

	shutdownTracing := func() {}
	if cfg.Tracing.Enabled {
		tp := setupTracing(logger)
		st = graph.NewTracedStore(st, cfg.Graph.Backend, tp.Tracer("github.com/dumbbond/ehri-rest/cmd/ehri"))
		shutdownTracing = func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}
	}

	closeFn := func() {
		if err := st.Close(context.Background()); err != nil {
			logger.Warn("closing graph store failed", "error", err)
		}
		shutdownTracing()
	}
	return st, closeFn, nil
}

// defaultAggregation returns the configured aggregation mode.
func defaultAggregation() views.Aggregation {
	a, err := views.ParseAggregation(cfg.Events.Aggregation)
	if err != nil {
		return views.AggregateStrict
	}
	return a
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen]) + "..."
	}
	return s
}

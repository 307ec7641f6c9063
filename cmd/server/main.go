package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/papertrade/risk-engine/internal/config"
	"github.com/papertrade/risk-engine/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Paper-trading accounting and risk engine",
	Long: `server runs the double-entry ledger, order execution and the
mark-to-market engine behind an HTTP API.

Without a subcommand it behaves like "server serve".`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $CONFIG_FILE)")
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// backend holds the connections shared by every subcommand.
type backend struct {
	cfg     *config.Config
	store   store.Store
	redis   *redis.Client
	cleanup []func()
}

func (b *backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// openBackend loads config and connects to PostgreSQL and Redis when
// configured, falling back to the in-memory store.
func openBackend(ctx context.Context) (*backend, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	b := &backend{cfg: cfg}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		b.redis = redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { b.redis.Close() })
	}

	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		b.store = store.NewMemoryStore()
		return b, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	b.cleanup = append(b.cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pg.Migrate(migrateCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	b.store = pg
	slog.Info("connected to PostgreSQL")

	// Wrap with Redis read-through cache if configured.
	if b.redis != nil {
		b.store = store.NewCachedStore(pg, b.redis, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return b, nil
}

package store

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Config selects and addresses a gateway backend.
type Config struct {
	Backend string
	Host    string
	Port    int
	// DSN addresses the postgres and sqlite backends. For redis it is an
	// optional redis:// URL that overrides Host and Port.
	DSN      string
	Password string
	DB       int
	Timeout  time.Duration
}

// Open connects to the configured backend and wraps it with the call
// timeout. Connectivity is not verified; an unreachable store surfaces as
// cycle failures.
func Open(ctx context.Context, cfg Config) (Gateway, error) {
	var (
		g   Gateway
		err error
	)

	switch cfg.Backend {
	case "", BackendRedis:
		g, err = openRedis(cfg)
	case BackendPostgres:
		g, err = openPostgres(ctx, cfg)
	case BackendSQLite:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite backend requires a database path")
		}
		g, err = NewSQLiteGateway(ctx, cfg.DSN)
	case BackendMemory:
		g = NewMemoryGateway()
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return WithTimeout(g, cfg.Timeout), nil
}

func openRedis(cfg Config) (Gateway, error) {
	var opts *redis.Options
	if cfg.DSN != "" {
		parsed, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}
	opts.MaxRetries = -1

	return NewRedisGateway(redis.NewClient(opts)), nil
}

func openPostgres(ctx context.Context, cfg Config) (Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres backend requires a DSN")
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	g := NewPostgresGateway(pool)
	if err := g.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return g, nil
}

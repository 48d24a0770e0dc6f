package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/foodstock/internal/observability"
	"github.com/odyssey-erp/foodstock/internal/platform/cache"
	"github.com/odyssey-erp/foodstock/internal/platform/db"
	"github.com/odyssey-erp/foodstock/internal/production"
	"github.com/odyssey-erp/foodstock/internal/shared"
	"github.com/odyssey-erp/foodstock/internal/stock"
	"github.com/odyssey-erp/foodstock/jobs"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether binaries should skip connecting to backing services.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// Runtime holds the process-wide wiring shared by the API and the worker.
type Runtime struct {
	Config      *Config
	Logger      *slog.Logger
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Metrics     *observability.Metrics
	Stock       *stock.Core
	Production  *production.Service
	Idempotency *shared.IdempotencyStore
	Audit       *shared.AuditLogger
	Jobs        *jobs.Client
}

// Role selects how a process reconciles aggregates.
type Role int

const (
	// RoleAPI honours STOCK_RECONCILE_MODE and may hand refreshes to the worker.
	RoleAPI Role = iota
	// RoleWorker always reconciles inline since it is the consumer of the queue.
	RoleWorker
)

// NewRuntime connects to Postgres and Redis and wires the stock core.
func NewRuntime(ctx context.Context, cfg *Config, logger *slog.Logger, role Role) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = NewLogger(cfg)
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, err
	}
	if cfg.PGAutoMigrate {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		pool.Close()
		return nil, err
	}

	rt := &Runtime{
		Config:      cfg,
		Logger:      logger,
		Pool:        pool,
		Redis:       redisClient,
		Metrics:     observability.NewMetrics(),
		Idempotency: shared.NewIdempotencyStore(pool),
		Audit:       shared.NewAuditLogger(pool, logger),
		Jobs:        jobs.NewClient(redisOpts.AsynqOpt()),
	}

	coreCfg := stock.CoreConfig{
		Audit:            rt.Audit,
		Idempotency:      rt.Idempotency,
		Cache:            stock.NewCache(redisClient, cfg.StockAggregateCacheTTL),
		Locker:           redislock.New(redisClient),
		Metrics:          stock.NewMetrics(rt.Metrics.Registerer()),
		Logger:           logger,
		TxTimeout:        cfg.StockTxTimeout,
		ConflictRetries:  cfg.StockConflictRetries,
		ReconcileMode:    stock.ReconcileMode(cfg.StockReconcileMode),
		ReconcileLockTTL: cfg.StockReconcileLockTTL,
	}
	if role == RoleWorker {
		coreCfg.ReconcileMode = stock.ReconcileSync
	} else if coreCfg.ReconcileMode == stock.ReconcileAsync {
		coreCfg.Enqueuer = rt.Jobs
	}
	rt.Stock = stock.NewCore(stock.NewRepository(pool), coreCfg)
	rt.Production = production.NewService(production.NewRepository(pool), rt.Stock, production.ServiceConfig{
		Audit:       rt.Audit,
		Idempotency: rt.Idempotency,
		Logger:      logger,
	})
	return rt, nil
}

// Ready returns the readiness probes for the backing services.
func (rt *Runtime) Ready() map[string]HealthCheck {
	return map[string]HealthCheck{
		"postgres": func(r *http.Request) error { return rt.Pool.Ping(r.Context()) },
		"redis":    func(r *http.Request) error { return rt.Redis.Ping(r.Context()).Err() },
	}
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	if rt.Jobs != nil {
		errs = append(errs, rt.Jobs.Close())
	}
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: close runtime: %w", err)
	}
	return nil
}

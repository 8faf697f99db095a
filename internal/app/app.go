package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"gorm.io/gorm"

	"github.com/yungbote/scholarcast-backend/internal/blob"
	"github.com/yungbote/scholarcast-backend/internal/data/db"
	"github.com/yungbote/scholarcast-backend/internal/jobs"
	"github.com/yungbote/scholarcast-backend/internal/jobs/executor"
	"github.com/yungbote/scholarcast-backend/internal/jobs/orchestrator"
	"github.com/yungbote/scholarcast-backend/internal/jobs/progress"
	"github.com/yungbote/scholarcast-backend/internal/jobs/retry"
	"github.com/yungbote/scholarcast-backend/internal/jobs/scheduler"
	"github.com/yungbote/scholarcast-backend/internal/jobs/store"
	"github.com/yungbote/scholarcast-backend/internal/observability"
	"github.com/yungbote/scholarcast-backend/internal/pipeline"
	"github.com/yungbote/scholarcast-backend/internal/platform/envutil"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
	"github.com/yungbote/scholarcast-backend/internal/workers/stub"
)

// App owns the wired engine: one store, one blob backend, one pipeline
// registry, one scheduler. Construction is all-or-nothing; a half-built App
// is never returned.
type App struct {
	Log       *logger.Logger
	Cfg       Config
	Store     store.Store
	Blobs     blob.Store
	Registry  *pipeline.Registry
	Hub       *progress.Hub
	Service   *jobs.Service
	Scheduler *scheduler.Scheduler

	db       *gorm.DB
	relay    *progress.RedisBus
	metrics  *observability.Metrics
	otelStop func(context.Context) error
	cancel   context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics := observability.Init(log)
	otelStop := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "scholarcast-engine",
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", "dev"),
	})

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)
	clk := clock.New()

	st, gdb, err := resolveStore(log, cfg, clk)
	if err != nil {
		log.Sync()
		return nil, err
	}
	blobs, err := resolveBlobStore(log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	catalog, err := resolveCatalog(cfg, blobs)
	if err != nil {
		log.Sync()
		return nil, err
	}
	reg, err := pipeline.Load(log, catalog)
	if err != nil {
		log.Sync()
		return nil, err
	}

	hub := progress.NewHub(log)
	var bus progress.Publisher = hub
	var relay *progress.RedisBus
	if envutil.String("REDIS_ADDR", "") != "" {
		relay, err = progress.NewRedisBus(log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init redis bus: %w", err)
		}
		// Commits go to redis; the forwarder feeds the local hub, own
		// events included, once Start runs.
		bus = progress.NewRelay(log, relay)
	}

	seed := cfg.RetrySeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	eng := retry.New(retry.Config{
		BackoffBase:      cfg.BackoffBase,
		BackoffCeiling:   cfg.BackoffCeiling,
		ExhaustedCeiling: cfg.ExhaustedCeiling,
	}, seed)

	exec := executor.New(log, st, reg, clk, executor.Config{
		Owner:    cfg.Owner,
		LeaseTTL: cfg.LeaseTTL,
		Grace:    cfg.CancelGrace,
	})
	orch := orchestrator.New(log, st, reg, eng, bus, clk, orchestrator.Config{Owner: cfg.Owner})
	sched := scheduler.New(log, st, exec, orch, reg, bus, clk, scheduler.Config{
		Owner:           cfg.Owner,
		Global:          cfg.GlobalLimit,
		ClassLimits:     cfg.ClassLimits,
		StageLimits:     cfg.StageLimits,
		LeaseTTL:        cfg.LeaseTTL,
		PollInterval:    cfg.PollInterval,
		MaxPollInterval: cfg.MaxPollInterval,
		ReapInterval:    cfg.ReapInterval,
	})
	svc := jobs.NewService(log, st, blobs, reg, orch, hub, bus, sched, clk)

	return &App{
		Log:       log,
		Cfg:       cfg,
		Store:     st,
		Blobs:     blobs,
		Registry:  reg,
		Hub:       hub,
		Service:   svc,
		Scheduler: sched,
		db:        gdb,
		relay:     relay,
		metrics:   metrics,
		otelStop:  otelStop,
	}, nil
}

// Start launches the scheduler, the redis forwarder and the metrics side
// loops. Idempotent; a second call is a no-op until Close.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.relay != nil {
		if err := a.relay.StartForwarder(ctx, a.Hub.Publish); err != nil {
			a.Log.Warn("Redis forwarder failed to start; progress stays process-local", "error", err)
		}
	}
	a.Scheduler.Start(ctx)

	if a.metrics != nil {
		a.metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
		a.metrics.StartSLOEvaluator(ctx, a.Log)
		if a.db != nil {
			a.metrics.StartQueueDepthCollector(ctx, a.Log, a.db)
			a.metrics.StartPostgresCollector(ctx, a.Log, a.db)
		}
		if addr := envutil.String("REDIS_ADDR", ""); addr != "" {
			a.metrics.StartRedisCollector(ctx, a.Log, addr)
		}
	}
}

// Close stops the loops, waits for in-flight stage dispatches and flushes
// telemetry. Safe to call more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
		a.Scheduler.Stop()
	}
	if a.relay != nil {
		_ = a.relay.Close()
		a.relay = nil
	}
	if a.otelStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelStop(ctx)
		cancel()
		a.otelStop = nil
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

func resolveStore(log *logger.Logger, cfg Config, clk clock.Clock) (store.Store, *gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreBackend)) {
	case "postgres":
		log.Info("Selecting job store", "backend", "postgres")
		pg, err := db.NewPostgresService(log)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres: %w", err)
		}
		if err := pg.AutoMigrateAll(); err != nil {
			return nil, nil, fmt.Errorf("postgres automigrate: %w", err)
		}
		return store.NewGorm(pg.DB(), clk), pg.DB(), nil
	case "memory":
		log.Info("Selecting job store", "backend", "memory")
		return store.NewMemory(clk), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported job store backend %q", cfg.StoreBackend)
	}
}

func resolveBlobStore(log *logger.Logger, cfg Config) (blob.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.BlobBackend)) {
	case "gcs":
		log.Info("Selecting blob store", "backend", "gcs")
		return blob.NewGCSStore(context.Background(), log)
	case "memory":
		log.Info("Selecting blob store", "backend", "memory")
		return blob.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported blob store backend %q", cfg.BlobBackend)
	}
}

// resolveCatalog picks the worker set behind the pipeline. Only the stub
// catalog ships in this repo; real catalogs register here as they land.
func resolveCatalog(cfg Config, blobs blob.Store) (map[string]pipeline.Worker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.WorkersMode)) {
	case "stub":
		return stub.Catalog(blobs), nil
	default:
		return nil, fmt.Errorf("unsupported workers mode %q", cfg.WorkersMode)
	}
}

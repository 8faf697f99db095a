package app

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scholarcast-backend/internal/pipeline"
	"github.com/yungbote/scholarcast-backend/internal/platform/envutil"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

// Config aggregates every engine knob read from the environment. The pipeline
// shape itself is not configured here; it comes from the embedded declaration
// or the file named by VIDEO_PIPELINE_YAML.
type Config struct {
	StoreBackend string
	BlobBackend  string
	WorkersMode  string

	// Owner identifies this replica in leases. Executor, orchestrator and
	// scheduler must all carry the same value.
	Owner string

	GlobalLimit int64
	ClassLimits map[string]int64
	StageLimits map[string]int64

	LeaseTTL        time.Duration
	CancelGrace     time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	ReapInterval    time.Duration

	BackoffBase      time.Duration
	BackoffCeiling   time.Duration
	ExhaustedCeiling time.Duration
	RetrySeed        int64

	MetricsAddr string
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		StoreBackend: envutil.String("VIDEO_STORE_BACKEND", "postgres"),
		BlobBackend:  envutil.String("VIDEO_BLOB_BACKEND", "memory"),
		WorkersMode:  envutil.String("VIDEO_WORKERS_MODE", "stub"),
		Owner:        envutil.String("VIDEO_ENGINE_OWNER", defaultOwner()),
		GlobalLimit:  int64(envutil.Int("VIDEO_MAX_CONCURRENCY", 8)),
		ClassLimits: map[string]int64{
			pipeline.ClassNet: int64(envutil.Int("VIDEO_CLASS_LIMIT_NET", 6)),
			pipeline.ClassLLM: int64(envutil.Int("VIDEO_CLASS_LIMIT_LLM", 4)),
			pipeline.ClassGPU: int64(envutil.Int("VIDEO_CLASS_LIMIT_GPU", 1)),
			pipeline.ClassCPU: int64(envutil.Int("VIDEO_CLASS_LIMIT_CPU", 4)),
		},
		LeaseTTL:         envutil.Duration("VIDEO_LEASE_TTL", 30*time.Second),
		CancelGrace:      envutil.Duration("VIDEO_CANCEL_GRACE", 5*time.Second),
		PollInterval:     envutil.Duration("VIDEO_POLL_INTERVAL", 50*time.Millisecond),
		MaxPollInterval:  envutil.Duration("VIDEO_MAX_POLL_INTERVAL", time.Second),
		ReapInterval:     envutil.Duration("VIDEO_REAP_INTERVAL", 30*time.Second),
		BackoffBase:      envutil.Duration("VIDEO_BACKOFF_BASE", 2*time.Second),
		BackoffCeiling:   envutil.Duration("VIDEO_BACKOFF_CEILING", 2*time.Minute),
		ExhaustedCeiling: envutil.Duration("VIDEO_EXHAUSTED_CEILING", 10*time.Minute),
		RetrySeed:        int64(envutil.Int("VIDEO_RETRY_SEED", 0)),
		MetricsAddr:      envutil.String("METRICS_ADDR", ":9090"),
	}
	if limit := envutil.Int("VIDEO_STAGE_LIMIT_ANIMATE", 0); limit > 0 {
		cfg.StageLimits = map[string]int64{pipeline.StageAnimate: int64(limit)}
	}
	log.Info("Engine configuration loaded",
		"store_backend", cfg.StoreBackend,
		"blob_backend", cfg.BlobBackend,
		"workers_mode", cfg.WorkersMode,
		"owner", cfg.Owner,
		"global_limit", cfg.GlobalLimit,
		"lease_ttl", cfg.LeaseTTL,
	)
	return cfg
}

// defaultOwner distinguishes replicas when VIDEO_ENGINE_OWNER is unset.
// Hostname alone is not enough: two processes on one host would read each
// other's heartbeats as their own.
func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "scholarcast"
	}
	return host + "-" + uuid.NewString()[:8]
}

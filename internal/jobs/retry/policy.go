package retry

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
)

type DecisionKind string

const (
	DecisionRetry    DecisionKind = "retry"
	DecisionFallback DecisionKind = "fallback"
	DecisionFail     DecisionKind = "fail"
	DecisionGiveUp   DecisionKind = "give_up"
)

// Decision is what the orchestrator applies after a stage failure.
type Decision struct {
	Kind DecisionKind
	// Delay before the stage becomes claimable again (retry only).
	Delay time.Duration
	// NextFallback selects the worker for the next invocation (fallback only).
	NextFallback int
	Reason       string
}

// Attempt carries everything the policy needs about one failed invocation.
// The caller resolves stage configuration (declared retryable set, worker
// count, per-stage attempt cap) so the engine itself stays pure.
type Attempt struct {
	Err               *video.StageError
	Attempts          int // invocations finished before this decision, current one excluded
	FallbackIndex     int
	WorkerCount       int
	MaxAttempts       int
	DeclaredRetryable bool
	BudgetRemaining   int
}

type Config struct {
	BackoffBase    time.Duration // default 2s
	BackoffCeiling time.Duration // default 2m
	// ExhaustedCeiling replaces BackoffCeiling for resource_exhausted
	// failures, which tend to clear on the scale of minutes, not seconds.
	ExhaustedCeiling time.Duration // default 10m
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 2 * time.Minute
	}
	if c.ExhaustedCeiling <= 0 {
		c.ExhaustedCeiling = 10 * time.Minute
	}
	return c
}

// Engine turns stage failures into decisions. Seeding the jitter source makes
// every decision reproducible: the same seed and the same failure sequence
// yield the same delays, which is what the simulation tests lean on.
type Engine struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config, seed int64) *Engine {
	return &Engine{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Decide applies the failure rules in order:
//
//  1. a kind the stage neither declared retryable nor flagged for fallback
//     fails the job outright;
//  2. a fallback suggestion moves to the next worker when one remains,
//     resetting the per-stage attempt count;
//  3. otherwise retry with exponential backoff while the stage has attempts
//     and the job has budget left;
//  4. otherwise give up.
func (e *Engine) Decide(a Attempt) Decision {
	err := a.Err
	if err == nil {
		err = video.NewStageError(video.KindInternal, "decision requested without an error")
	}

	if !a.DeclaredRetryable && !err.SuggestFallback {
		return Decision{
			Kind:   DecisionFail,
			Reason: fmt.Sprintf("%s is not retryable for this stage", err.Kind),
		}
	}

	if err.SuggestFallback && a.FallbackIndex+1 < a.WorkerCount {
		return Decision{
			Kind:         DecisionFallback,
			NextFallback: a.FallbackIndex + 1,
			Reason:       fmt.Sprintf("falling back after %s", err.Kind),
		}
	}

	if a.Attempts+1 < a.MaxAttempts && a.BudgetRemaining > 0 {
		return Decision{
			Kind:   DecisionRetry,
			Delay:  e.backoff(a.Attempts, err.Kind),
			Reason: fmt.Sprintf("retrying after %s", err.Kind),
		}
	}

	return Decision{
		Kind:   DecisionGiveUp,
		Reason: fmt.Sprintf("out of attempts after %s", err.Kind),
	}
}

// backoff computes min(base*2^n + jitter, ceiling) with jitter drawn
// uniformly from [0, base*2^n/2].
func (e *Engine) backoff(attempts int, kind video.ErrorKind) time.Duration {
	ceiling := e.cfg.BackoffCeiling
	if kind == video.KindResourceExhausted {
		ceiling = e.cfg.ExhaustedCeiling
	}
	if attempts < 0 {
		attempts = 0
	}
	window := e.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		window *= 2
		if window >= ceiling {
			return ceiling
		}
	}
	e.mu.Lock()
	jitter := time.Duration(e.rng.Int63n(int64(window/2) + 1))
	e.mu.Unlock()
	d := window + jitter
	if d > ceiling {
		d = ceiling
	}
	return d
}

package pipelinetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scholarcast-backend/internal/blob"
	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/pipeline"
)

// Step is one scripted invocation outcome.
type Step func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)

// Call records one Execute invocation.
type Call struct {
	JobID         uuid.UUID
	StageID       string
	Attempt       int
	FallbackIndex int
	Deadline      time.Time
}

// Worker runs a script of Steps, one per invocation; the last step repeats
// once the script is exhausted. Every invocation is recorded.
type Worker struct {
	name string

	mu    sync.Mutex
	steps []Step
	calls []Call
}

func New(name string, steps ...Step) *Worker {
	if len(steps) == 0 {
		steps = []Step{func(context.Context, pipeline.Request) (*pipeline.Result, error) {
			return &pipeline.Result{OutputArtifacts: map[string]blob.Ref{}}, nil
		}}
	}
	return &Worker{name: name, steps: steps}
}

func (w *Worker) Name() string { return w.name }

func (w *Worker) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	w.mu.Lock()
	i := len(w.calls)
	w.calls = append(w.calls, Call{
		JobID:         req.JobID,
		StageID:       req.StageID,
		Attempt:       req.Attempt,
		FallbackIndex: req.FallbackIndex,
		Deadline:      req.Deadline,
	})
	if i >= len(w.steps) {
		i = len(w.steps) - 1
	}
	step := w.steps[i]
	w.mu.Unlock()
	return step(ctx, req)
}

func (w *Worker) Calls() []Call {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Call(nil), w.calls...)
}

func (w *Worker) CallCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

// WaitForCalls polls until the worker has been invoked at least n times.
func (w *Worker) WaitForCalls(tb testing.TB, n int, timeout time.Duration) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if w.CallCount() >= n {
			return
		}
		if time.Now().After(deadline) {
			tb.Fatalf("worker %s: got %d calls, want >= %d within %v", w.name, w.CallCount(), n, timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Succeed writes one deterministic blob per key and returns the refs. Bytes
// derive from (job, stage, key, attempt, fallback) so identical invocations
// are idempotent by construction.
func Succeed(blobs blob.Store, keys ...string) Step {
	return func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
		out := make(map[string]blob.Ref, len(keys))
		for _, key := range keys {
			payload := fmt.Sprintf("%s/%s/%s#%d.%d", req.JobID, req.StageID, key, req.Attempt, req.FallbackIndex)
			ref, err := blobs.Put(ctx, []byte(payload))
			if err != nil {
				return nil, err
			}
			out[key] = ref
		}
		return &pipeline.Result{
			OutputArtifacts: out,
			Cost:            pipeline.Cost{Duration: time.Millisecond},
		}, nil
	}
}

// Fail returns a structured stage error.
func Fail(kind video.ErrorKind, msg string) Step {
	return func(context.Context, pipeline.Request) (*pipeline.Result, error) {
		err := video.NewStageError(kind, "%s", msg)
		switch kind {
		case video.KindTransient, video.KindTimeout, video.KindResourceExhausted:
			err.Retryable = true
		}
		return nil, err
	}
}

// FailWith returns exactly err.
func FailWith(err error) Step {
	return func(context.Context, pipeline.Request) (*pipeline.Result, error) {
		return nil, err
	}
}

// Hang blocks until the executor cancels the invocation.
func Hang() Step {
	return func(ctx context.Context, _ pipeline.Request) (*pipeline.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// HangIgnoringCancel simulates a worker that ignores its soft-cancel for d of
// wall-clock time; the executor must unblock without waiting for it.
func HangIgnoringCancel(d time.Duration) Step {
	return func(context.Context, pipeline.Request) (*pipeline.Result, error) {
		time.Sleep(d)
		return nil, video.NewStageError(video.KindTransient, "woke up after ignoring cancel")
	}
}

// Gate wraps next so it only runs once release is called. Cancellation wins
// while blocked.
func Gate(next Step) (Step, func()) {
	ch := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(ch) }) }
	step := func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
		select {
		case <-ch:
			return next(ctx, req)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return step, release
}

// Catalog builds a fully succeeding worker set for the embedded pipeline
// declaration, producing two scenes for the scene-indexed stages.
func Catalog(blobs blob.Store) map[string]pipeline.Worker {
	return map[string]pipeline.Worker{
		"ingest.structured":  New("ingest.structured", Succeed(blobs, pipeline.KeyPaperParsed)),
		"ingest.plaintext":   New("ingest.plaintext", Succeed(blobs, pipeline.KeyPaperParsed)),
		"understand.default": New("understand.default", Succeed(blobs, pipeline.KeyPaperUnderstanding)),
		"script.default":     New("script.default", Succeed(blobs, pipeline.KeyScript)),
		"plan.default":       New("plan.default", Succeed(blobs, pipeline.KeyVisualPlan)),
		"animate.engine":     New("animate.engine", Succeed(blobs, pipeline.SceneAnimationKey(0), pipeline.SceneAnimationKey(1))),
		"animate.slides":     New("animate.slides", Succeed(blobs, pipeline.SceneAnimationKey(0), pipeline.SceneAnimationKey(1))),
		"voice.neural":       New("voice.neural", Succeed(blobs, pipeline.SceneAudioKey(0), pipeline.SceneAudioKey(1))),
		"voice.standard":     New("voice.standard", Succeed(blobs, pipeline.SceneAudioKey(0), pipeline.SceneAudioKey(1))),
		"compose.mux":        New("compose.mux", Succeed(blobs, pipeline.KeyVideoFinal)),
		"metadata.default":   New("metadata.default", Succeed(blobs, pipeline.KeyMetadata)),
		"publish.default":    New("publish.default", Succeed(blobs)),
	}
}

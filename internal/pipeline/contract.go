package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scholarcast-backend/internal/blob"
	"github.com/yungbote/scholarcast-backend/internal/domain/video"
)

/*
Worker is the uniform contract every specialist stage implements: paper
fetchers, language-model callers, renderers, TTS, muxers, uploaders. The
engine never looks inside a worker; it hands over input artifact refs and
options, enforces the deadline from outside, and validates the returned
artifact keys against the stage declaration.

Workers must be idempotent under identical (job, stage, attempt,
fallback_index): reinvocation may recompute, but must not corrupt artifacts
already written. Failures are reported as *video.StageError so the retry
engine can decide on the kind; a plain error is treated as non-retryable.
*/
type Worker interface {
	Name() string
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request is the executor→worker input envelope.
type Request struct {
	JobID          uuid.UUID
	StageID        string
	Attempt        int
	FallbackIndex  int
	Deadline       time.Time
	InputArtifacts map[string]blob.Ref
	Options        video.Options
}

// Cost is worker-reported telemetry, echoed into logs and metrics.
type Cost struct {
	Duration      time.Duration
	ResourceClass string
}

// Result is the success envelope. OutputArtifacts must cover exactly the
// keys the stage declares.
type Result struct {
	OutputArtifacts map[string]blob.Ref
	Cost            Cost
}

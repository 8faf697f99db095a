package jobs

import (
	"context"
	"fmt"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/scholarcast-backend/internal/blob"
	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/jobs/orchestrator"
	"github.com/yungbote/scholarcast-backend/internal/jobs/progress"
	"github.com/yungbote/scholarcast-backend/internal/jobs/store"
	"github.com/yungbote/scholarcast-backend/internal/observability"
	"github.com/yungbote/scholarcast-backend/internal/pipeline"
	"github.com/yungbote/scholarcast-backend/internal/platform/apperr"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

// Interrupter wakes the in-process execution of a job so a freshly written
// cancel or pause flag lands now instead of at the next heartbeat. Implemented
// by *scheduler.Scheduler; nil is fine when no scheduler runs in this process.
type Interrupter interface {
	Interrupt(id uuid.UUID) bool
}

/*
Service is the front door of the engine: submission, inspection, cancel and
pause control, progress subscription, and artifact access. Everything behind it
is asynchronous; Submit returns as soon as the job row is durable and the
scheduler takes it from there.

Validation is synchronous and writes nothing: a bad input or option comes back
as a video.StageError with KindInputInvalid and no Job row exists afterwards.
*/
type Service struct {
	log       *logger.Logger
	store     store.Store
	blobs     blob.Store
	registry  *pipeline.Registry
	orch      *orchestrator.Orchestrator
	hub       *progress.Hub
	bus       progress.Publisher
	interrupt Interrupter
	clock     clock.Clock
}

func NewService(
	log *logger.Logger,
	st store.Store,
	blobs blob.Store,
	reg *pipeline.Registry,
	orch *orchestrator.Orchestrator,
	hub *progress.Hub,
	bus progress.Publisher,
	interrupt Interrupter,
	clk clock.Clock,
) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		log:       log.With("component", "service"),
		store:     st,
		blobs:     blobs,
		registry:  reg,
		orch:      orch,
		hub:       hub,
		bus:       bus,
		interrupt: interrupt,
		clock:     clk,
	}
}

// Submit validates the paper reference and options, persists the job QUEUED
// with its initial stage list, and returns the id. The row and its first
// ledger event commit together; the scheduler picks the job up on its next
// pass.
func (s *Service) Submit(ctx context.Context, input video.PaperInput, rawOpts map[string]any) (uuid.UUID, error) {
	ctx, span := observability.StartSpan(ctx, "engine.submit",
		attribute.String("input_kind", string(input.Kind)))
	defer span.End()

	if err := input.Validate(); err != nil {
		return uuid.Nil, err
	}
	opts, err := video.ParseOptions(rawOpts)
	if err != nil {
		return uuid.Nil, err
	}
	stages, err := s.registry.InitialStages(opts)
	if err != nil {
		return uuid.Nil, err
	}

	job := &video.Job{
		ID:            uuid.New(),
		State:         video.JobQueued,
		AttemptBudget: opts.AttemptBudget,
	}
	if err := job.EncodeInput(input); err != nil {
		return uuid.Nil, err
	}
	if err := job.EncodeOptions(opts); err != nil {
		return uuid.Nil, err
	}
	if err := job.EncodeStages(stages); err != nil {
		return uuid.Nil, err
	}
	for i := range stages {
		if stages[i].Phase != video.StageReady {
			continue
		}
		class, err := s.registry.ClassOf(stages[i].StageID)
		if err != nil {
			return uuid.Nil, err
		}
		job.NextStage = stages[i].StageID
		job.NextResourceClass = class
		break
	}

	now := s.clock.Now().UTC()
	ev, err := video.NewEvent(job, "", "", "", nil, "job submitted", now)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.store.Create(ctx, job, ev); err != nil {
		return uuid.Nil, fmt.Errorf("submit: %w", err)
	}
	if m := observability.Current(); m != nil {
		m.IncJobSubmitted(string(input.Kind))
		m.IncJobState(string(job.State))
	}
	s.publish(ev)
	s.log.Info("job submitted",
		"job_id", job.ID,
		"input_kind", string(input.Kind),
		"first_stage", job.NextStage,
	)
	return job.ID, nil
}

// SubmitPDF stores the uploaded bytes content-addressed and submits a PDF
// input referencing them. Re-submitting identical bytes reuses the same blob.
func (s *Service) SubmitPDF(ctx context.Context, pdf []byte, rawOpts map[string]any) (uuid.UUID, error) {
	if len(pdf) == 0 {
		return uuid.Nil, video.NewStageError(video.KindInputInvalid, "pdf upload is empty")
	}
	ref, err := s.blobs.Put(ctx, pdf)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store pdf: %w", err)
	}
	return s.Submit(ctx, video.PDFInput(ref), rawOpts)
}

// Get returns a snapshot of the job. Mutating it has no effect on the engine.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*video.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns job snapshots matching the filter, oldest first.
func (s *Service) List(ctx context.Context, f store.ListFilter) ([]*video.Job, error) {
	return s.store.List(ctx, f)
}

// Cancel requests termination and is idempotent. Terminal jobs are left
// alone. A queued or paused job lands CANCELLED before returning; a running
// job is flagged, its in-process execution is woken if it lives here, and the
// cancel lands at the executor's next suspension point.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if job.State.Terminal() {
		return nil
	}
	if s.interrupt != nil && s.interrupt.Interrupt(id) {
		return nil
	}
	done, err := s.orch.CancelIdle(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if !done {
		// Leased by an executor we cannot poke; the flag rides its heartbeat.
		s.log.Debug("cancel deferred to lease holder", "job_id", id)
	}
	return nil
}

// Pause requests a durable pause. A queued job parks immediately; a running
// job finishes or retreats from its current stage and parks at the boundary.
// Terminal jobs and already paused jobs are no-ops.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.RequestPause(ctx, id)
	if err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	if job.State.Terminal() || job.State == video.JobPaused {
		return nil
	}
	if s.interrupt != nil && s.interrupt.Interrupt(id) {
		return nil
	}
	done, err := s.orch.PauseIdle(ctx, id)
	if err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	if !done {
		s.log.Debug("pause deferred to lease holder", "job_id", id)
	}
	return nil
}

// Resume re-queues a paused job, or rescinds a pause request that has not
// landed yet.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) error {
	if err := s.orch.Resume(ctx, id); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Subscribe attaches a live progress stream; nil jobID follows every job.
// The channel is buffered and lossy under a slow reader. Callers needing the
// complete history combine this with Replay keyed on Seq.
func (s *Service) Subscribe(jobID *uuid.UUID) (<-chan progress.Event, func()) {
	return s.hub.Subscribe(jobID, 0)
}

// Replay returns the committed event ledger for the job after the given
// sequence number; afterSeq 0 replays from the beginning.
func (s *Service) Replay(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]*video.JobEvent, error) {
	return s.store.ListEvents(ctx, jobID, afterSeq)
}

// DownloadArtifact resolves the blob ref for an artifact key. Artifacts are
// merged only when their producing stage succeeds, so a missing key means the
// producer has not finished (or never will).
func (s *Service) DownloadArtifact(ctx context.Context, id uuid.UUID, key string) (blob.Ref, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	artifacts, err := job.DecodeArtifacts()
	if err != nil {
		return "", err
	}
	ref, ok := artifacts[key]
	if !ok {
		return "", fmt.Errorf("job %s: artifact %q: %w", id, key, apperr.ErrNotFound)
	}
	return ref, nil
}

func (s *Service) publish(ev *video.JobEvent) {
	if s.bus == nil {
		return
	}
	pe, err := progress.FromJobEvent(ev)
	if err != nil {
		s.log.Warn("undecodable ledger event", "event_id", ev.ID, "error", err)
		return
	}
	s.bus.Publish(pe)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/scholarcast-backend/internal/blob"
	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/jobs/executor"
	"github.com/yungbote/scholarcast-backend/internal/jobs/progress"
	"github.com/yungbote/scholarcast-backend/internal/jobs/retry"
	"github.com/yungbote/scholarcast-backend/internal/jobs/store"
	"github.com/yungbote/scholarcast-backend/internal/observability"
	"github.com/yungbote/scholarcast-backend/internal/pipeline"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

// applyTries bounds the CAS loop; conflicts come from flag writes, which
// settle after one re-read, so hitting the bound means something is wedged.
const applyTries = 5

type Config struct {
	// Owner must match the scheduler and executor lease owner; outcomes are
	// only applied while the lease is still ours.
	Owner string
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = "orchestrator"
	}
	return c
}

/*
Orchestrator owns every job transition after the claim: it folds executor
outcomes into the record, consults the retry engine on failures, advances the
pipeline on success, and lands cancel/pause requests at stage boundaries.

All writes ride the store's compare-and-swap; on conflict the fresh row is
re-read and the same decision is applied against it, with terminal states and
freshly raised flags absorbing the outcome. The retry decision itself is
computed exactly once per outcome so the jitter draw is stable across CAS
retries. Each committed transition appends its ledger events in the same
write and publishes them to the bus afterwards, in commit order.
*/
type Orchestrator struct {
	log      *logger.Logger
	store    store.Store
	registry *pipeline.Registry
	retry    *retry.Engine
	bus      progress.Publisher
	clock    clock.Clock
	cfg      Config
}

func New(log *logger.Logger, st store.Store, reg *pipeline.Registry, eng *retry.Engine, bus progress.Publisher, clk clock.Clock, cfg Config) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		log:      log.With("component", "orchestrator"),
		store:    st,
		registry: reg,
		retry:    eng,
		bus:      bus,
		clock:    clk,
		cfg:      cfg.withDefaults(),
	}
}

// HandleOutcome applies one executor outcome to the job record.
func (o *Orchestrator) HandleOutcome(ctx context.Context, job *video.Job, out executor.Outcome) error {
	ctx, span := observability.StartSpan(ctx, "engine.apply",
		attribute.String("job_id", job.ID.String()),
		attribute.String("stage", out.StageID))
	defer span.End()

	if out.Abandoned {
		// Shutdown mid-flight: the lease expires and the reaper requeues.
		o.log.Debug("outcome abandoned", "job_id", job.ID, "stage", out.StageID)
		return nil
	}
	if out.LeaseLost {
		o.log.Info("lease lost before outcome", "job_id", job.ID, "stage", out.StageID)
		return nil
	}

	// The jitter draw must not repeat across CAS retries.
	var decision *retry.Decision
	if out.Err != nil && out.Interrupt == executor.InterruptNone {
		d, err := o.decide(job, out)
		if err != nil {
			return err
		}
		decision = &d
	}

	for tries := 0; tries < applyTries; tries++ {
		events, err := o.apply(job, out, decision)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		uerr := o.store.Update(ctx, job, job.UpdatedAt, events...)
		if uerr == nil {
			o.publish(events)
			o.observe(out, decision)
			return nil
		}
		if !errors.Is(uerr, store.ErrConflict) {
			return fmt.Errorf("apply outcome: %w", uerr)
		}
		fresh, gerr := o.store.Get(ctx, job.ID)
		if gerr != nil {
			return fmt.Errorf("re-read after conflict: %w", gerr)
		}
		*job = *fresh
	}
	return fmt.Errorf("job %s: outcome apply kept conflicting", job.ID)
}

func (o *Orchestrator) decide(job *video.Job, out executor.Outcome) (retry.Decision, error) {
	stages, err := job.DecodeStages()
	if err != nil {
		return retry.Decision{}, err
	}
	ss := video.FindStage(stages, out.StageID)
	if ss == nil {
		return retry.Decision{}, fmt.Errorf("job %s: stage %q missing", job.ID, out.StageID)
	}
	return o.retry.Decide(retry.Attempt{
		Err:               out.Err,
		Attempts:          ss.Attempts,
		FallbackIndex:     ss.FallbackIndex,
		WorkerCount:       o.registry.WorkerCount(out.StageID),
		MaxAttempts:       o.registry.MaxAttempts(out.StageID),
		DeclaredRetryable: o.registry.DeclaredRetryable(out.StageID, out.Err.Kind),
		BudgetRemaining:   job.AttemptBudget,
	}), nil
}

// apply mutates job in place for one outcome and returns the ledger events
// to commit alongside it. Empty events means the outcome is moot (terminal
// row, lease moved on).
func (o *Orchestrator) apply(job *video.Job, out executor.Outcome, decision *retry.Decision) ([]*video.JobEvent, error) {
	if job.State.Terminal() {
		o.log.Info("outcome against terminal job dropped", "job_id", job.ID, "state", job.State)
		return nil, nil
	}
	if job.LeaseOwner != o.cfg.Owner {
		o.log.Info("outcome without lease dropped", "job_id", job.ID, "lease_owner", job.LeaseOwner)
		return nil, nil
	}

	stages, err := job.DecodeStages()
	if err != nil {
		return nil, err
	}
	ss := video.FindStage(stages, out.StageID)
	if ss == nil {
		return nil, fmt.Errorf("job %s: stage %q missing", job.ID, out.StageID)
	}
	if ss.Phase != video.StageRunning {
		o.log.Info("outcome against non-running stage dropped",
			"job_id", job.ID, "stage", out.StageID, "phase", ss.Phase)
		return nil, nil
	}

	now := o.clock.Now().UTC()
	clearLease(job)

	switch {
	case out.Interrupt == executor.InterruptCancel:
		return o.applyCancel(job, stages, ss, video.NewStageError(video.KindCancelled, "cancelled by request"), now)
	case out.Interrupt == executor.InterruptPause:
		return o.applyPause(job, stages, ss, now)
	case out.Err != nil:
		// A cancel raised while the stage was failing wins over the retry
		// decision; the store write is the suspension point where it lands.
		if job.CancelRequestedAt != nil {
			return o.applyCancel(job, stages, ss, out.Err, now)
		}
		return o.applyDecision(job, stages, ss, out, *decision, now)
	case out.Result != nil:
		return o.applySuccess(job, stages, ss, out, now)
	default:
		return nil, fmt.Errorf("job %s: outcome carries neither result nor error", job.ID)
	}
}

func (o *Orchestrator) applySuccess(job *video.Job, stages []video.StageState, ss *video.StageState, out executor.Outcome, now time.Time) ([]*video.JobEvent, error) {
	ss.Phase = video.StageSucceeded
	ss.Attempts++
	ss.StartedAt = nil
	ss.DeadlineAt = nil
	ss.ReadyAt = nil
	ss.FinishedAt = &now
	ss.LastError = nil
	ss.OutputKeys = sortedKeys(out.Result.OutputArtifacts)

	artifacts, err := job.DecodeArtifacts()
	if err != nil {
		return nil, err
	}
	for key, ref := range out.Result.OutputArtifacts {
		artifacts[key] = ref
	}
	if err := job.EncodeArtifacts(artifacts); err != nil {
		return nil, err
	}

	events := make([]*video.JobEvent, 0, 2)
	ev, err := video.NewEvent(job, ss.StageID, video.StageRunning, video.StageSucceeded, nil, "stage succeeded", now)
	if err != nil {
		return nil, err
	}
	events = append(events, ev)

	if job.CancelRequestedAt != nil {
		// The finished work stays durable; the job stops here.
		ev2, err := o.finishJob(job, video.JobCancelled, "", "job cancelled", now)
		if err != nil {
			return nil, err
		}
		if err := job.EncodeStages(stages); err != nil {
			return nil, err
		}
		return append(events, ev2), nil
	}

	next := o.nextRunnable(stages, ss.StageID)
	if next == nil {
		ev2, err := o.finishJob(job, video.JobCompleted, "", "job completed", now)
		if err != nil {
			return nil, err
		}
		if err := job.EncodeStages(stages); err != nil {
			return nil, err
		}
		return append(events, ev2), nil
	}

	next.Phase = video.StageReady
	class, err := o.registry.ClassOf(next.StageID)
	if err != nil {
		return nil, err
	}
	job.CurrentStage = ""
	job.NextStage = next.StageID
	job.NextResourceClass = class
	job.ReadyAt = nil

	paused := job.PauseRequestedAt != nil
	if paused {
		job.State = video.JobPaused
	}
	ev2, err := video.NewEvent(job, next.StageID, video.StagePending, video.StageReady, nil, readyMessage(paused), now)
	if err != nil {
		return nil, err
	}
	if err := job.EncodeStages(stages); err != nil {
		return nil, err
	}
	return append(events, ev2), nil
}

func readyMessage(paused bool) string {
	if paused {
		return "paused at stage boundary"
	}
	return "stage ready"
}

func (o *Orchestrator) applyDecision(job *video.Job, stages []video.StageState, ss *video.StageState, out executor.Outcome, decision retry.Decision, now time.Time) ([]*video.JobEvent, error) {
	switch decision.Kind {
	case retry.DecisionRetry:
		ss.Phase = video.StageReady
		ss.Attempts++
		ss.StartedAt = nil
		ss.DeadlineAt = nil
		ss.LastError = out.Err
		readyAt := now.Add(decision.Delay)
		ss.ReadyAt = &readyAt
		job.AttemptBudget--
		job.CurrentStage = ""
		job.ReadyAt = &readyAt

		paused := job.PauseRequestedAt != nil
		if paused {
			job.State = video.JobPaused
		}
		msg := fmt.Sprintf("%s; next attempt in %s", decision.Reason, decision.Delay)
		if paused {
			msg = fmt.Sprintf("%s; paused at stage boundary", decision.Reason)
		}
		ev, err := video.NewEvent(job, ss.StageID, video.StageRunning, video.StageReady, out.Err, msg, now)
		if err != nil {
			return nil, err
		}
		if err := job.EncodeStages(stages); err != nil {
			return nil, err
		}
		return []*video.JobEvent{ev}, nil

	case retry.DecisionFallback:
		ss.Phase = video.StageReady
		ss.Attempts = 0
		ss.FallbackIndex = decision.NextFallback
		ss.StartedAt = nil
		ss.DeadlineAt = nil
		ss.ReadyAt = nil
		ss.LastError = out.Err
		job.CurrentStage = ""
		job.ReadyAt = nil

		paused := job.PauseRequestedAt != nil
		if paused {
			job.State = video.JobPaused
		}
		msg := fmt.Sprintf("%s; worker %d takes over", decision.Reason, decision.NextFallback)
		ev, err := video.NewEvent(job, ss.StageID, video.StageRunning, video.StageReady, out.Err, msg, now)
		if err != nil {
			return nil, err
		}
		if err := job.EncodeStages(stages); err != nil {
			return nil, err
		}
		return []*video.JobEvent{ev}, nil

	case retry.DecisionFail, retry.DecisionGiveUp:
		ss.Phase = video.StageFailed
		ss.Attempts++
		ss.StartedAt = nil
		ss.DeadlineAt = nil
		ss.ReadyAt = nil
		ss.FinishedAt = &now
		ss.LastError = out.Err

		ev, err := video.NewEvent(job, ss.StageID, video.StageRunning, video.StageFailed, out.Err, decision.Reason, now)
		if err != nil {
			return nil, err
		}
		ev2, err := o.finishJob(job, video.JobFailed, ss.StageID, "job failed", now)
		if err != nil {
			return nil, err
		}
		if err := job.EncodeStages(stages); err != nil {
			return nil, err
		}
		return []*video.JobEvent{ev, ev2}, nil

	default:
		return nil, fmt.Errorf("job %s: unknown decision %q", job.ID, decision.Kind)
	}
}

func (o *Orchestrator) applyCancel(job *video.Job, stages []video.StageState, ss *video.StageState, cause *video.StageError, now time.Time) ([]*video.JobEvent, error) {
	ss.Phase = video.StageFailed
	ss.StartedAt = nil
	ss.DeadlineAt = nil
	ss.ReadyAt = nil
	ss.FinishedAt = &now
	ss.LastError = cause
	if cause.Kind != video.KindCancelled {
		ss.LastError = &video.StageError{Kind: video.KindCancelled, Message: cause.Error()}
	}

	ev, err := video.NewEvent(job, ss.StageID, video.StageRunning, video.StageFailed, ss.LastError, "cancel observed", now)
	if err != nil {
		return nil, err
	}
	ev2, err := o.finishJob(job, video.JobCancelled, "", "job cancelled", now)
	if err != nil {
		return nil, err
	}
	if err := job.EncodeStages(stages); err != nil {
		return nil, err
	}
	return []*video.JobEvent{ev, ev2}, nil
}

func (o *Orchestrator) applyPause(job *video.Job, stages []video.StageState, ss *video.StageState, now time.Time) ([]*video.JobEvent, error) {
	ss.Phase = video.StageReady
	ss.StartedAt = nil
	ss.DeadlineAt = nil
	ss.ReadyAt = nil

	ev, err := video.NewEvent(job, ss.StageID, video.StageRunning, video.StageReady, nil, "pause observed", now)
	if err != nil {
		return nil, err
	}
	job.State = video.JobPaused
	job.CurrentStage = ""
	job.ReadyAt = nil
	ev2, err := video.NewEvent(job, "", "", "", nil, "job paused", now)
	if err != nil {
		return nil, err
	}
	if err := job.EncodeStages(stages); err != nil {
		return nil, err
	}
	return []*video.JobEvent{ev, ev2}, nil
}

// finishJob flips the job to a terminal state and returns the job-level
// ledger event. Stage mutations and their events are the caller's business.
func (o *Orchestrator) finishJob(job *video.Job, state video.JobState, failureStage, message string, now time.Time) (*video.JobEvent, error) {
	job.State = state
	job.CurrentStage = ""
	job.NextStage = ""
	job.NextResourceClass = ""
	job.ReadyAt = nil
	job.FailureStage = failureStage
	clearLease(job)
	return video.NewEvent(job, "", "", "", nil, message, now)
}

// nextRunnable walks the pipeline order past terminal-at-start stages to the
// stage that should become READY, or nil when the pipeline is done.
func (o *Orchestrator) nextRunnable(stages []video.StageState, after string) *video.StageState {
	id := after
	for {
		next, ok := o.registry.Next(id)
		if !ok {
			return nil
		}
		ns := video.FindStage(stages, next)
		if ns == nil {
			// Options trimmed this stage out entirely; keep walking.
			id = next
			continue
		}
		if ns.Phase == video.StageSkipped {
			id = next
			continue
		}
		return ns
	}
}

func (o *Orchestrator) publish(events []*video.JobEvent) {
	m := observability.Current()
	for _, ev := range events {
		pe, err := progress.FromJobEvent(ev)
		if err != nil {
			o.log.Warn("undecodable ledger event", "event_id", ev.ID, "error", err)
			continue
		}
		if m != nil && pe.StageID == "" {
			m.IncJobState(string(pe.State))
		}
		if o.bus != nil {
			o.bus.Publish(pe)
		}
	}
}

// observe feeds the applied outcome to the metrics surface. The verdict is
// the retry engine's word for failures, the interrupt for boundary landings,
// and "succeeded" otherwise.
func (o *Orchestrator) observe(out executor.Outcome, decision *retry.Decision) {
	m := observability.Current()
	if m == nil {
		return
	}
	verdict := "succeeded"
	switch {
	case out.Interrupt == executor.InterruptCancel:
		verdict = "cancelled"
	case out.Interrupt == executor.InterruptPause:
		verdict = "paused"
	case decision != nil:
		verdict = string(decision.Kind)
		if decision.Kind == retry.DecisionRetry {
			m.ObserveRetryDelay(out.StageID, decision.Delay)
		}
	}
	m.ObserveStage(out.StageID, verdict, out.Duration)
}

// CancelIdle lands a cancel on a job that is not executing right now
// (queued or paused). It reports false, without writing, when the job is
// running; the executor path owns that case. Terminal jobs are a no-op.
func (o *Orchestrator) CancelIdle(ctx context.Context, id uuid.UUID) (bool, error) {
	for tries := 0; tries < applyTries; tries++ {
		job, err := o.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if job.State.Terminal() {
			return true, nil
		}
		if job.State == video.JobRunning && job.LeaseOwner != "" {
			return false, nil
		}
		now := o.clock.Now().UTC()
		ev, err := o.finishJob(job, video.JobCancelled, "", "job cancelled", now)
		if err != nil {
			return false, err
		}
		uerr := o.store.Update(ctx, job, job.UpdatedAt, ev)
		if uerr == nil {
			o.publish([]*video.JobEvent{ev})
			return true, nil
		}
		if !errors.Is(uerr, store.ErrConflict) {
			return false, uerr
		}
	}
	return false, fmt.Errorf("job %s: cancel kept conflicting", id)
}

// PauseIdle parks a queued job before its next stage is claimed. Running
// jobs report false and pause at the next boundary instead.
func (o *Orchestrator) PauseIdle(ctx context.Context, id uuid.UUID) (bool, error) {
	for tries := 0; tries < applyTries; tries++ {
		job, err := o.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if job.State.Terminal() || job.State == video.JobPaused {
			return true, nil
		}
		if job.State == video.JobRunning && job.LeaseOwner != "" {
			return false, nil
		}
		now := o.clock.Now().UTC()
		job.State = video.JobPaused
		ev, err := video.NewEvent(job, "", "", "", nil, "job paused", now)
		if err != nil {
			return false, err
		}
		uerr := o.store.Update(ctx, job, job.UpdatedAt, ev)
		if uerr == nil {
			o.publish([]*video.JobEvent{ev})
			return true, nil
		}
		if !errors.Is(uerr, store.ErrConflict) {
			return false, uerr
		}
	}
	return false, fmt.Errorf("job %s: pause kept conflicting", id)
}

// Resume re-queues a paused job and rescinds a pause request that has not
// landed yet. Terminal jobs are a no-op.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) error {
	for tries := 0; tries < applyTries; tries++ {
		job, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return nil
		}
		if job.State != video.JobPaused && job.PauseRequestedAt == nil {
			return nil
		}
		now := o.clock.Now().UTC()
		job.PauseRequestedAt = nil
		var ev *video.JobEvent
		if job.State == video.JobPaused {
			job.State = video.JobQueued
			ev, err = video.NewEvent(job, "", "", "", nil, "job resumed", now)
		} else {
			ev, err = video.NewEvent(job, "", "", "", nil, "pause request rescinded", now)
		}
		if err != nil {
			return err
		}
		uerr := o.store.Update(ctx, job, job.UpdatedAt, ev)
		if uerr == nil {
			o.publish([]*video.JobEvent{ev})
			return nil
		}
		if !errors.Is(uerr, store.ErrConflict) {
			return uerr
		}
	}
	return fmt.Errorf("job %s: resume kept conflicting", id)
}

func clearLease(job *video.Job) {
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
}

func sortedKeys(m map[string]blob.Ref) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

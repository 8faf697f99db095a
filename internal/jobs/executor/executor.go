package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/jobs/store"
	"github.com/yungbote/scholarcast-backend/internal/pipeline"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

// Interrupt names the engine-side reason an invocation stopped before the
// worker finished on its own.
type Interrupt int

const (
	InterruptNone Interrupt = iota
	InterruptCancel
	InterruptPause
)

/*
Outcome is everything the orchestrator needs to advance a job after one stage
invocation. Exactly one of Result or Err is set unless the invocation was
interrupted or abandoned:

  - Interrupt != InterruptNone: a cancel or pause request won the race; any
    worker output is discarded.
  - LeaseLost: another engine owns the job now; the outcome must not be
    applied at all, attempts stay untouched.
  - Abandoned: the engine itself is shutting down mid-flight; the lease is
    left to expire and the reaper recovers the stage.
*/
type Outcome struct {
	StageID       string
	FallbackIndex int
	Result        *pipeline.Result
	Err           *video.StageError
	Interrupt     Interrupt
	LeaseLost     bool
	Abandoned     bool
	Duration      time.Duration
}

type Config struct {
	// Owner identifies this engine instance in leases.
	Owner    string
	LeaseTTL time.Duration
	// Grace bounds how long a worker gets between ctx cancellation and the
	// engine walking away from it.
	Grace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = "executor"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	return c
}

/*
Executor runs exactly one claimed stage invocation and reports the outcome.
It owns the in-flight races: worker completion vs stage deadline vs
cancel/pause flags vs lease loss. Deadlines are enforced by the engine's own
clock timer rather than a context deadline so a frozen test clock drives them
deterministically; the worker context is cancelled the moment any race arm
wins, and a bounded grace period lets well-behaved workers unwind.

The worker result channel is buffered: a worker that finishes after losing
the race just parks its orphan result for the collector to drop.
*/
type Executor struct {
	log      *logger.Logger
	store    store.Store
	registry *pipeline.Registry
	clock    clock.Clock
	cfg      Config
}

func New(log *logger.Logger, st store.Store, reg *pipeline.Registry, clk clock.Clock, cfg Config) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	return &Executor{
		log:      log.With("component", "executor"),
		store:    st,
		registry: reg,
		clock:    clk,
		cfg:      cfg.withDefaults(),
	}
}

func (c Config) heartbeatEvery() time.Duration { return c.LeaseTTL / 3 }

type workerReturn struct {
	result *pipeline.Result
	err    error
}

// Execute drives one invocation of job's current stage. The job must have
// been claimed under this executor's owner; its UpdatedAt token is kept
// fresh in place so the caller can hand it straight to the orchestrator.
//
// nudge, when non-nil, wakes the flag check ahead of the next heartbeat so
// an in-process cancel or pause lands immediately instead of a tick later.
func (x *Executor) Execute(ctx context.Context, job *video.Job, nudge <-chan struct{}) Outcome {
	started := x.clock.Now()
	stageID := job.CurrentStage
	out := Outcome{StageID: stageID}

	finish := func(o Outcome) Outcome {
		o.Duration = x.clock.Now().Sub(started)
		return o
	}

	// Flags raised between submit and claim are observed before any work.
	if job.CancelRequestedAt != nil {
		out.Interrupt = InterruptCancel
		return finish(out)
	}
	if job.PauseRequestedAt != nil {
		out.Interrupt = InterruptPause
		return finish(out)
	}

	opts, err := job.DecodeOptions()
	if err != nil {
		out.Err = video.NewStageError(video.KindInternal, "decode options: %v", err)
		return finish(out)
	}
	stages, err := job.DecodeStages()
	if err != nil {
		out.Err = video.NewStageError(video.KindInternal, "decode stage states: %v", err)
		return finish(out)
	}
	ss := video.FindStage(stages, stageID)
	if ss == nil {
		out.Err = video.NewStageError(video.KindInternal, "stage %q missing from job", stageID)
		return finish(out)
	}
	out.FallbackIndex = ss.FallbackIndex

	worker, err := x.registry.Resolve(stageID, ss.FallbackIndex)
	if err != nil {
		out.Err = video.NewStageError(video.KindInternal, "resolve worker: %v", err)
		return finish(out)
	}
	timeout := x.registry.Timeout(stageID, ss.FallbackIndex, opts)
	deadline := x.clock.Now().UTC().Add(timeout)

	// The deadline is durable before the worker starts, so a crashed engine
	// leaves behind a record of when this invocation was due.
	if !x.persistDeadline(ctx, job, deadline, &out) {
		return finish(out)
	}

	artifacts, err := job.DecodeArtifacts()
	if err != nil {
		out.Err = video.NewStageError(video.KindInternal, "decode artifacts: %v", err)
		return finish(out)
	}
	req := pipeline.Request{
		JobID:          job.ID,
		StageID:        stageID,
		Attempt:        ss.Attempts,
		FallbackIndex:  ss.FallbackIndex,
		Deadline:       deadline,
		InputArtifacts: x.registry.SelectInputs(stageID, artifacts),
		Options:        opts,
	}

	wctx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	resCh := make(chan workerReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				x.log.Error("worker panic", "job_id", job.ID, "stage", stageID, "panic", r)
				resCh <- workerReturn{err: fmt.Errorf("worker panic: %v", r)}
			}
		}()
		res, werr := worker.Execute(wctx, req)
		resCh <- workerReturn{result: res, err: werr}
	}()

	deadlineTimer := x.clock.Timer(deadline.Sub(x.clock.Now()))
	defer deadlineTimer.Stop()
	heartbeat := x.clock.Ticker(x.cfg.heartbeatEvery())
	defer heartbeat.Stop()

	for {
		select {
		case r := <-resCh:
			if ctx.Err() != nil {
				out.Abandoned = true
				return finish(out)
			}
			x.classifyReturn(&out, r)
			return finish(out)

		case <-deadlineTimer.C:
			stopWorker()
			x.awaitWorkerExit(resCh)
			out.Err = video.NewStageError(video.KindTimeout, "stage %s exceeded %s", stageID, timeout)
			out.Err.Retryable = true
			return finish(out)

		case <-heartbeat.C:
			if done, o := x.observeFlags(ctx, job.ID, stopWorker, resCh, &out); done {
				return finish(o)
			}

		case <-nudge:
			if done, o := x.observeFlags(ctx, job.ID, stopWorker, resCh, &out); done {
				return finish(o)
			}

		case <-ctx.Done():
			stopWorker()
			out.Abandoned = true
			return finish(out)
		}
	}
}

// observeFlags runs one flag-and-lease check and, when it decides the race,
// unwinds the worker and fills in the outcome.
func (x *Executor) observeFlags(ctx context.Context, id uuid.UUID, stopWorker func(), resCh <-chan workerReturn, out *Outcome) (bool, Outcome) {
	intr, lost := x.checkFlagsAndLease(ctx, id)
	if !lost && intr == InterruptNone {
		return false, Outcome{}
	}
	stopWorker()
	x.awaitWorkerExit(resCh)
	if lost {
		out.LeaseLost = true
	} else {
		out.Interrupt = intr
	}
	return true, *out
}

// persistDeadline CASes DeadlineAt onto the running stage. A conflict means
// someone raised a flag since the claim; the fresh row decides what happens.
func (x *Executor) persistDeadline(ctx context.Context, job *video.Job, deadline time.Time, out *Outcome) bool {
	for tries := 0; tries < 3; tries++ {
		stages, err := job.DecodeStages()
		if err != nil {
			out.Err = video.NewStageError(video.KindInternal, "decode stage states: %v", err)
			return false
		}
		ss := video.FindStage(stages, job.CurrentStage)
		if ss == nil {
			out.Err = video.NewStageError(video.KindInternal, "stage %q missing from job", job.CurrentStage)
			return false
		}
		ss.DeadlineAt = &deadline
		if err := job.EncodeStages(stages); err != nil {
			out.Err = video.NewStageError(video.KindInternal, "encode stage states: %v", err)
			return false
		}
		uerr := x.store.Update(ctx, job, job.UpdatedAt)
		if uerr == nil {
			return true
		}
		if !errors.Is(uerr, store.ErrConflict) {
			x.log.Warn("deadline write failed", "job_id", job.ID, "stage", job.CurrentStage, "error", uerr)
			out.Abandoned = true
			return false
		}
		fresh, gerr := x.store.Get(ctx, job.ID)
		if gerr != nil {
			out.Abandoned = true
			return false
		}
		if fresh.LeaseOwner != x.cfg.Owner {
			out.LeaseLost = true
			return false
		}
		if fresh.CancelRequestedAt != nil {
			out.Interrupt = InterruptCancel
			return false
		}
		if fresh.PauseRequestedAt != nil {
			out.Interrupt = InterruptPause
			return false
		}
		*job = *fresh
	}
	out.Abandoned = true
	return false
}

// checkFlagsAndLease is the heartbeat body: refresh the lease and observe
// cancel/pause requests raised while the worker runs.
func (x *Executor) checkFlagsAndLease(ctx context.Context, id uuid.UUID) (Interrupt, bool) {
	job, err := x.store.Get(ctx, id)
	if err != nil {
		// The store will come back or the lease will expire; either way the
		// next tick settles it.
		x.log.Warn("heartbeat read failed", "job_id", id, "error", err)
		return InterruptNone, false
	}
	if job.LeaseOwner != x.cfg.Owner {
		return InterruptNone, true
	}
	if job.CancelRequestedAt != nil {
		return InterruptCancel, false
	}
	if job.PauseRequestedAt != nil {
		return InterruptPause, false
	}
	if err := x.store.ExtendLease(ctx, job.ID, x.cfg.Owner, x.cfg.LeaseTTL); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return InterruptNone, true
		}
		x.log.Warn("lease extend failed", "job_id", job.ID, "error", err)
	}
	return InterruptNone, false
}

// awaitWorkerExit gives the cancelled worker a bounded window to unwind; a
// worker that ignores its context is abandoned to the runtime.
func (x *Executor) awaitWorkerExit(resCh <-chan workerReturn) {
	grace := x.clock.Timer(x.cfg.Grace)
	defer grace.Stop()
	select {
	case <-resCh:
	case <-grace.C:
	}
}

// classifyReturn folds a worker's own return into the outcome: validated
// success, a typed stage error, or a plain error treated as non-retryable.
func (x *Executor) classifyReturn(out *Outcome, r workerReturn) {
	if r.err == nil {
		if r.result == nil {
			out.Err = video.NewStageError(video.KindContractViolation, "worker returned neither result nor error")
			out.Err.SuggestFallback = true
			return
		}
		keys := make([]string, 0, len(r.result.OutputArtifacts))
		for k := range r.result.OutputArtifacts {
			keys = append(keys, k)
		}
		if err := x.registry.ValidateOutputs(out.StageID, keys); err != nil {
			out.Err = video.NewStageError(video.KindContractViolation, "%v", err)
			out.Err.SuggestFallback = true
			return
		}
		out.Result = r.result
		return
	}
	if se, ok := video.AsStageError(r.err); ok {
		out.Err = se
		return
	}
	if errors.Is(r.err, context.DeadlineExceeded) {
		out.Err = video.NewStageError(video.KindTimeout, "%v", r.err)
		out.Err.Retryable = true
		return
	}
	if errors.Is(r.err, context.Canceled) {
		out.Err = video.NewStageError(video.KindCancelled, "%v", r.err)
		return
	}
	out.Err = video.NewStageError(video.KindNonRetryable, "%v", r.err)
}

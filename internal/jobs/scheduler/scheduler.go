package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/jobs/executor"
	"github.com/yungbote/scholarcast-backend/internal/jobs/progress"
	"github.com/yungbote/scholarcast-backend/internal/jobs/store"
	"github.com/yungbote/scholarcast-backend/internal/observability"
	"github.com/yungbote/scholarcast-backend/internal/pipeline"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

// StageRunner executes one claimed stage invocation. Satisfied by
// *executor.Executor.
type StageRunner interface {
	Execute(ctx context.Context, job *video.Job, nudge <-chan struct{}) executor.Outcome
}

// OutcomeSink applies one finished invocation to the job record. Satisfied by
// *orchestrator.Orchestrator.
type OutcomeSink interface {
	HandleOutcome(ctx context.Context, job *video.Job, out executor.Outcome) error
}

type Config struct {
	// Owner identifies this engine instance in leases. It must match the
	// executor's owner or heartbeats will read as lease loss.
	Owner string

	// Global caps concurrently running stage invocations across all jobs.
	Global int64
	// ClassLimits caps invocations per resource class; classes without an
	// entry fall back to the global cap.
	ClassLimits map[string]int64
	// StageLimits caps invocations per stage id; stages without an entry
	// are bounded only by their class and the global cap.
	StageLimits map[string]int64

	LeaseTTL time.Duration

	// PollInterval is the idle sleep floor; consecutive empty passes double
	// it up to MaxPollInterval. Any dispatch resets it.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// ReapInterval is how often expired leases are swept back to READY.
	ReapInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = "scheduler"
	}
	if c.Global <= 0 {
		c.Global = 8
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = c.LeaseTTL
	}
	return c
}

/*
Scheduler is the pull side of the engine: it polls the store for due READY
stages, admits them against three semaphore tiers (global, per resource
class, per stage), and runs each admitted claim on its own goroutine through
the executor and then the outcome sink.

Admission order is fixed: a (global, class) token pair is reserved before the
claim so the store is never asked for more than the engine can run, and the
stage token is taken after the claim because only the claimed row knows its
stage. A claim that fails stage admission is handed back untouched via
ReleaseLease.

Capacity is returned as soon as the executor comes back, before the outcome
is applied, so a slow store write cannot starve dispatch. The scheduler keeps
no state across restarts; leases and the reaper carry recovery.
*/
type Scheduler struct {
	log      *logger.Logger
	store    store.Store
	runner   StageRunner
	sink     OutcomeSink
	registry *pipeline.Registry
	bus      progress.Publisher
	clock    clock.Clock
	cfg      Config

	global   *semaphore.Weighted
	classSem map[string]*semaphore.Weighted
	stageSem map[string]*semaphore.Weighted

	interrupts interruptRegistry

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(log *logger.Logger, st store.Store, runner StageRunner, sink OutcomeSink, reg *pipeline.Registry, bus progress.Publisher, clk clock.Clock, cfg Config) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		log:      log.With("component", "scheduler"),
		store:    st,
		runner:   runner,
		sink:     sink,
		registry: reg,
		bus:      bus,
		clock:    clk,
		cfg:      cfg,
		global:   semaphore.NewWeighted(cfg.Global),
		classSem: make(map[string]*semaphore.Weighted),
		stageSem: make(map[string]*semaphore.Weighted),
		wake:     make(chan struct{}, 1),
	}
	for _, class := range reg.ResourceClasses() {
		limit := cfg.Global
		if l, ok := cfg.ClassLimits[class]; ok && l > 0 {
			limit = l
		}
		s.classSem[class] = semaphore.NewWeighted(limit)
	}
	for _, stageID := range reg.StageIDs() {
		if l, ok := cfg.StageLimits[stageID]; ok && l > 0 {
			s.stageSem[stageID] = semaphore.NewWeighted(l)
		}
	}
	s.interrupts.chans = make(map[uuid.UUID]chan struct{})
	return s
}

// Start launches the claim loop and the lease reaper. Both exit when ctx is
// cancelled; Stop joins them and the in-flight dispatches.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("starting scheduler",
		"owner", s.cfg.Owner,
		"global_limit", s.cfg.Global,
		"classes", s.registry.ResourceClasses(),
	)
	s.wg.Add(2)
	go s.runLoop(ctx)
	go s.reapLoop(ctx)
}

// Stop blocks until the loops and every dispatched invocation have returned.
func (s *Scheduler) Stop() {
	s.wg.Wait()
}

// Interrupt pokes the in-process execution of id, if any, so a freshly
// written cancel or pause flag is observed now rather than at the next
// heartbeat. Reports whether an execution was running here.
func (s *Scheduler) Interrupt(id uuid.UUID) bool {
	return s.interrupts.signal(id)
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()
	idle := s.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			s.log.Info("claim loop stopped")
			return
		}
		if n := s.pass(ctx); n > 0 {
			idle = s.cfg.PollInterval
			continue
		}
		timer := s.clock.Timer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("claim loop stopped")
			return
		case <-s.wake:
			timer.Stop()
			idle = s.cfg.PollInterval
		case <-timer.C:
			idle *= 2
			if idle > s.cfg.MaxPollInterval {
				idle = s.cfg.MaxPollInterval
			}
		}
	}
}

// pass visits every resource class once, round-robin, and returns how many
// invocations it dispatched.
func (s *Scheduler) pass(ctx context.Context) int {
	dispatched := 0
	for _, class := range s.registry.ResourceClasses() {
		dispatched += s.dispatchClass(ctx, class)
	}
	return dispatched
}

func (s *Scheduler) dispatchClass(ctx context.Context, class string) int {
	classSem := s.classSem[class]
	if classSem == nil {
		return 0
	}

	// Reserve (global, class) token pairs up front; the claim limit is
	// exactly the capacity the engine can absorb right now.
	reserved := 0
	for int64(reserved) < s.cfg.Global {
		if !s.global.TryAcquire(1) {
			break
		}
		if !classSem.TryAcquire(1) {
			s.global.Release(1)
			break
		}
		reserved++
	}
	if reserved == 0 {
		return 0
	}
	refund := func(n int) {
		if n > 0 {
			classSem.Release(int64(n))
			s.global.Release(int64(n))
		}
	}

	jobs, err := s.store.ClaimReady(ctx, store.ClaimRequest{
		Limit:         reserved,
		ResourceClass: class,
		LeaseOwner:    s.cfg.Owner,
		LeaseTTL:      s.cfg.LeaseTTL,
	})
	if err != nil {
		refund(reserved)
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("claim failed", "class", class, "error", err)
		}
		return 0
	}

	dispatched := 0
	for _, job := range jobs {
		stageSem := s.stageSem[job.CurrentStage]
		if stageSem != nil && !stageSem.TryAcquire(1) {
			// Stage is saturated; hand the claim back untouched so another
			// pass (or engine) picks it up when the stage drains.
			if rerr := s.store.ReleaseLease(ctx, job.ID, s.cfg.Owner); rerr != nil {
				s.log.Warn("release after stage saturation failed", "job_id", job.ID, "error", rerr)
			}
			continue
		}
		if m := observability.Current(); m != nil {
			m.IncClaim(job.CurrentStage, class)
		}
		s.publishClaim(job)
		s.dispatch(ctx, job, classSem, stageSem)
		dispatched++
	}
	refund(reserved - dispatched)
	return dispatched
}

// publishClaim mirrors the ready-to-running ledger entry the claim just
// committed. The claimed row carries the bumped event counter, so the live
// copy lines up with what replay will serve. Claims handed back on stage
// saturation are not mirrored; their two ledger entries cancel out.
func (s *Scheduler) publishClaim(job *video.Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(progress.Event{
		JobID:    job.ID,
		Seq:      job.EventSeq,
		State:    job.State,
		StageID:  job.CurrentStage,
		OldPhase: video.StageReady,
		NewPhase: video.StageRunning,
		At:       s.clock.Now().UTC(),
	})
}

// dispatch runs one claimed invocation on its own goroutine. Tokens are
// released the moment the executor returns, before the outcome is applied.
func (s *Scheduler) dispatch(ctx context.Context, job *video.Job, classSem, stageSem *semaphore.Weighted) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		spanCtx, span := observability.StartSpan(ctx, "engine.execute",
			attribute.String("job_id", job.ID.String()),
			attribute.String("stage", job.CurrentStage))
		defer span.End()

		nudge := s.interrupts.register(job.ID)
		out := s.runner.Execute(spanCtx, job, nudge)
		s.interrupts.unregister(job.ID)

		if stageSem != nil {
			stageSem.Release(1)
		}
		classSem.Release(1)
		s.global.Release(1)
		select {
		case s.wake <- struct{}{}:
		default:
		}

		if err := s.sink.HandleOutcome(spanCtx, job, out); err != nil {
			s.log.Error("outcome apply failed",
				"job_id", job.ID,
				"stage", out.StageID,
				"error", err,
			)
		}
	}()
}

func (s *Scheduler) reapLoop(ctx context.Context) {
	defer s.wg.Done()
	s.reap(ctx)
	ticker := s.clock.Ticker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

func (s *Scheduler) reap(ctx context.Context) {
	n, err := s.store.ReapExpiredLeases(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("lease reap failed", "error", err)
		}
		return
	}
	if n > 0 {
		if m := observability.Current(); m != nil {
			m.AddLeasesReaped(n)
		}
		s.log.Info("recovered expired leases", "count", n)
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// interruptRegistry maps running job ids to nudge channels so cancel and
// pause requests reach in-process executions without waiting on a heartbeat.
type interruptRegistry struct {
	mu    sync.Mutex
	chans map[uuid.UUID]chan struct{}
}

func (r *interruptRegistry) register(id uuid.UUID) <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.chans[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *interruptRegistry) unregister(id uuid.UUID) {
	r.mu.Lock()
	delete(r.chans, id)
	r.mu.Unlock()
}

func (r *interruptRegistry) signal(id uuid.UUID) bool {
	r.mu.Lock()
	ch, ok := r.chans[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

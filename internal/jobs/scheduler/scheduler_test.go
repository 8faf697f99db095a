package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/jobs/executor"
	"github.com/yungbote/scholarcast-backend/internal/jobs/progress"
	"github.com/yungbote/scholarcast-backend/internal/jobs/store"
	"github.com/yungbote/scholarcast-backend/internal/pipeline"
	"github.com/yungbote/scholarcast-backend/internal/pipeline/pipelinetest"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

const waitFor = 2 * time.Second

func testRegistry(t *testing.T) *pipeline.Registry {
	t.Helper()
	reg, err := pipeline.NewRegistry([]pipeline.StageConfig{
		{
			ID:            "ingest",
			ResourceClass: "net",
			Timeout:       time.Minute,
			Retryable:     []video.ErrorKind{video.KindTransient},
			Outputs:       []string{"paper.parsed"},
			Workers:       []pipeline.Worker{pipelinetest.New("ingest.noop")},
		},
		{
			ID:            "animate",
			ResourceClass: "gpu",
			Timeout:       time.Minute,
			Retryable:     []video.ErrorKind{video.KindTransient},
			Inputs:        []string{"paper.parsed"},
			Workers:       []pipeline.Worker{pipelinetest.New("animate.noop")},
		},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func seedReady(t *testing.T, st store.Store, stageID, class string) *video.Job {
	t.Helper()
	job := &video.Job{
		ID:                uuid.New(),
		State:             video.JobQueued,
		AttemptBudget:     8,
		NextStage:         stageID,
		NextResourceClass: class,
	}
	if err := job.EncodeInput(video.TitleInput("Paper")); err != nil {
		t.Fatalf("encode input: %v", err)
	}
	if err := job.EncodeOptions(video.DefaultOptions()); err != nil {
		t.Fatalf("encode options: %v", err)
	}
	stages := []video.StageState{{StageID: "ingest", Phase: video.StageSucceeded}, {StageID: "animate", Phase: video.StagePending}}
	switch stageID {
	case "ingest":
		stages = []video.StageState{{StageID: "ingest", Phase: video.StageReady}, {StageID: "animate", Phase: video.StagePending}}
	case "animate":
		stages[1].Phase = video.StageReady
	}
	if err := job.EncodeStages(stages); err != nil {
		t.Fatalf("encode stages: %v", err)
	}
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

// fakeRunner counts concurrent executions and blocks each one until released.
type fakeRunner struct {
	mu      sync.Mutex
	running int
	peak    int
	byStage map[string]int
	peaks   map[string]int

	started chan *video.Job
	release chan struct{}

	// exec, when set, replaces the default block-until-released body.
	exec func(ctx context.Context, job *video.Job, nudge <-chan struct{}) executor.Outcome
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		byStage: map[string]int{},
		peaks:   map[string]int{},
		started: make(chan *video.Job, 64),
		release: make(chan struct{}, 64),
	}
}

func (f *fakeRunner) Execute(ctx context.Context, job *video.Job, nudge <-chan struct{}) executor.Outcome {
	if f.exec != nil {
		return f.exec(ctx, job, nudge)
	}
	f.enter(job.CurrentStage)
	f.started <- job
	select {
	case <-f.release:
	case <-ctx.Done():
	}
	f.exit(job.CurrentStage)
	return executor.Outcome{StageID: job.CurrentStage}
}

func (f *fakeRunner) enter(stage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running++
	if f.running > f.peak {
		f.peak = f.running
	}
	f.byStage[stage]++
	if f.byStage[stage] > f.peaks[stage] {
		f.peaks[stage] = f.byStage[stage]
	}
}

func (f *fakeRunner) exit(stage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running--
	f.byStage[stage]--
}

func (f *fakeRunner) peakTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeRunner) peakFor(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peaks[stage]
}

func (f *fakeRunner) waitStarted(t *testing.T, n int) []*video.Job {
	t.Helper()
	jobs := make([]*video.Job, 0, n)
	deadline := time.After(waitFor)
	for len(jobs) < n {
		select {
		case j := <-f.started:
			jobs = append(jobs, j)
		case <-deadline:
			t.Fatalf("only %d of %d executions started", len(jobs), n)
		}
	}
	return jobs
}

// fakeSink collects applied outcomes.
type fakeSink struct {
	mu       sync.Mutex
	outcomes []executor.Outcome
	applied  chan executor.Outcome
	gate     chan struct{} // when non-nil, HandleOutcome blocks on it
}

func newFakeSink() *fakeSink {
	return &fakeSink{applied: make(chan executor.Outcome, 64)}
}

func (f *fakeSink) HandleOutcome(ctx context.Context, job *video.Job, out executor.Outcome) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-time.After(waitFor):
		}
	}
	f.mu.Lock()
	f.outcomes = append(f.outcomes, out)
	f.mu.Unlock()
	f.applied <- out
	return nil
}

func startScheduler(t *testing.T, st store.Store, runner StageRunner, sink OutcomeSink, reg *pipeline.Registry, cfg Config) (*Scheduler, func()) {
	t.Helper()
	if cfg.Owner == "" {
		cfg.Owner = "sched-1"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.MaxPollInterval == 0 {
		cfg.MaxPollInterval = 20 * time.Millisecond
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 10 * time.Second
	}
	s := New(logger.NewNop(), st, runner, sink, reg, nil, clock.New(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	return s, func() {
		cancel()
		s.Stop()
	}
}

func TestScheduler_DispatchesReadyJobToSink(t *testing.T) {
	st := store.NewMemory(clock.New())
	reg := testRegistry(t)
	runner := newFakeRunner()
	sink := newFakeSink()
	job := seedReady(t, st, "ingest", "net")

	_, stop := startScheduler(t, st, runner, sink, reg, Config{Global: 4})
	defer stop()

	started := runner.waitStarted(t, 1)
	if started[0].ID != job.ID {
		t.Fatalf("dispatched wrong job: %s", started[0].ID)
	}
	if started[0].CurrentStage != "ingest" {
		t.Fatalf("claimed stage = %q", started[0].CurrentStage)
	}
	runner.release <- struct{}{}

	select {
	case out := <-sink.applied:
		if out.StageID != "ingest" {
			t.Fatalf("outcome stage = %q", out.StageID)
		}
	case <-time.After(waitFor):
		t.Fatalf("outcome never reached the sink")
	}
}

func TestScheduler_GlobalCapBoundsConcurrency(t *testing.T) {
	st := store.NewMemory(clock.New())
	reg := testRegistry(t)
	runner := newFakeRunner()
	sink := newFakeSink()
	for i := 0; i < 5; i++ {
		seedReady(t, st, "ingest", "net")
	}

	_, stop := startScheduler(t, st, runner, sink, reg, Config{Global: 2})
	defer stop()

	runner.waitStarted(t, 2)
	// Give the loop a chance to overshoot if it is going to.
	time.Sleep(50 * time.Millisecond)
	if got := runner.peakTotal(); got > 2 {
		t.Fatalf("peak concurrency %d exceeds global cap 2", got)
	}

	for i := 0; i < 5; i++ {
		runner.release <- struct{}{}
	}
	for i := 0; i < 5; i++ {
		select {
		case <-sink.applied:
		case <-time.After(waitFor):
			t.Fatalf("only %d outcomes applied", i)
		}
	}
	if got := runner.peakTotal(); got > 2 {
		t.Fatalf("peak concurrency %d exceeds global cap 2", got)
	}
}

func TestScheduler_ClassCapsIsolateClasses(t *testing.T) {
	st := store.NewMemory(clock.New())
	reg := testRegistry(t)
	runner := newFakeRunner()
	sink := newFakeSink()
	for i := 0; i < 3; i++ {
		seedReady(t, st, "ingest", "net")
		seedReady(t, st, "animate", "gpu")
	}

	_, stop := startScheduler(t, st, runner, sink, reg, Config{
		Global:      8,
		ClassLimits: map[string]int64{"net": 1, "gpu": 1},
	})
	defer stop()

	// One per class despite three ready in each.
	started := runner.waitStarted(t, 2)
	seen := map[string]bool{}
	for _, j := range started {
		seen[j.CurrentStage] = true
	}
	if !seen["ingest"] || !seen["animate"] {
		t.Fatalf("round-robin starved a class: %v", seen)
	}
	time.Sleep(50 * time.Millisecond)
	if runner.peakFor("ingest") > 1 || runner.peakFor("animate") > 1 {
		t.Fatalf("class cap exceeded: ingest=%d animate=%d", runner.peakFor("ingest"), runner.peakFor("animate"))
	}

	for i := 0; i < 6; i++ {
		runner.release <- struct{}{}
	}
	for i := 0; i < 6; i++ {
		select {
		case <-sink.applied:
		case <-time.After(waitFor):
			t.Fatalf("only %d outcomes applied", i)
		}
	}
}

func TestScheduler_StageCapReleasesExtraClaims(t *testing.T) {
	st := store.NewMemory(clock.New())
	reg := testRegistry(t)
	runner := newFakeRunner()
	sink := newFakeSink()
	seedReady(t, st, "ingest", "net")
	seedReady(t, st, "ingest", "net")

	_, stop := startScheduler(t, st, runner, sink, reg, Config{
		Global:      4,
		StageLimits: map[string]int64{"ingest": 1},
	})
	defer stop()

	runner.waitStarted(t, 1)
	time.Sleep(50 * time.Millisecond)
	if got := runner.peakFor("ingest"); got > 1 {
		t.Fatalf("stage cap exceeded: %d", got)
	}

	// Draining the first admits the second; the extra claim was handed back,
	// not parked on a dead lease.
	runner.release <- struct{}{}
	runner.waitStarted(t, 1)
	runner.release <- struct{}{}

	for i := 0; i < 2; i++ {
		select {
		case <-sink.applied:
		case <-time.After(waitFor):
			t.Fatalf("only %d outcomes applied", i)
		}
	}
	if got := runner.peakFor("ingest"); got > 1 {
		t.Fatalf("stage cap exceeded: %d", got)
	}
}

func TestScheduler_ReapsExpiredLeasesOnStartup(t *testing.T) {
	st := store.NewMemory(clock.New())
	reg := testRegistry(t)
	runner := newFakeRunner()
	sink := newFakeSink()
	job := seedReady(t, st, "ingest", "net")

	// A previous engine claimed the job and died.
	claimed, err := st.ClaimReady(context.Background(), store.ClaimRequest{
		Limit: 1, LeaseOwner: "dead-engine", LeaseTTL: 20 * time.Millisecond,
	})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("pre-claim: %v (%d)", err, len(claimed))
	}
	time.Sleep(30 * time.Millisecond)

	_, stop := startScheduler(t, st, runner, sink, reg, Config{Global: 2})
	defer stop()

	started := runner.waitStarted(t, 1)
	if started[0].ID != job.ID {
		t.Fatalf("recovered wrong job")
	}
	stages, err := started[0].DecodeStages()
	if err != nil {
		t.Fatalf("decode stages: %v", err)
	}
	ss := video.FindStage(stages, "ingest")
	if ss.LastError == nil || ss.LastError.Kind != video.KindLeaseLost {
		t.Fatalf("reaped stage should carry lease_lost, got %+v", ss.LastError)
	}
	if ss.Attempts != 0 {
		t.Fatalf("reap must not consume attempts, got %d", ss.Attempts)
	}
	runner.release <- struct{}{}
	<-sink.applied
}

func TestScheduler_InterruptReachesRunningExecution(t *testing.T) {
	st := store.NewMemory(clock.New())
	reg := testRegistry(t)
	sink := newFakeSink()
	runner := newFakeRunner()
	runner.exec = func(ctx context.Context, job *video.Job, nudge <-chan struct{}) executor.Outcome {
		runner.started <- job
		select {
		case <-nudge:
			return executor.Outcome{StageID: job.CurrentStage, Interrupt: executor.InterruptCancel}
		case <-ctx.Done():
			return executor.Outcome{StageID: job.CurrentStage, Abandoned: true}
		}
	}
	job := seedReady(t, st, "ingest", "net")

	sched, stop := startScheduler(t, st, runner, sink, reg, Config{Global: 2})
	defer stop()

	runner.waitStarted(t, 1)
	if !sched.Interrupt(job.ID) {
		t.Fatalf("interrupt found no running execution")
	}
	select {
	case out := <-sink.applied:
		if out.Interrupt != executor.InterruptCancel {
			t.Fatalf("expected cancel interrupt, got %+v", out)
		}
	case <-time.After(waitFor):
		t.Fatalf("interrupt never reached the runner")
	}

	if sched.Interrupt(uuid.New()) {
		t.Fatalf("interrupt on unknown job reported a running execution")
	}
}

type chanBus struct {
	ch chan progress.Event
}

func (b *chanBus) Publish(ev progress.Event) { b.ch <- ev }

func TestScheduler_PublishesClaimTransition(t *testing.T) {
	st := store.NewMemory(clock.New())
	reg := testRegistry(t)
	runner := newFakeRunner()
	sink := newFakeSink()
	bus := &chanBus{ch: make(chan progress.Event, 8)}
	job := seedReady(t, st, "ingest", "net")

	s := New(logger.NewNop(), st, runner, sink, reg, bus, clock.New(), Config{
		Owner:           "sched-1",
		Global:          2,
		PollInterval:    5 * time.Millisecond,
		MaxPollInterval: 20 * time.Millisecond,
		LeaseTTL:        10 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	defer func() {
		cancel()
		s.Stop()
	}()

	runner.waitStarted(t, 1)
	select {
	case ev := <-bus.ch:
		if ev.JobID != job.ID || ev.Seq != 1 {
			t.Fatalf("claim event mismatch: %+v", ev)
		}
		if ev.StageID != "ingest" || ev.NewPhase != video.StageRunning || ev.State != video.JobRunning {
			t.Fatalf("claim event shape: %+v", ev)
		}
	case <-time.After(waitFor):
		t.Fatalf("claim transition never published")
	}
	runner.release <- struct{}{}
	<-sink.applied
}

func TestScheduler_ReleasesCapacityBeforeApplyingOutcome(t *testing.T) {
	st := store.NewMemory(clock.New())
	reg := testRegistry(t)
	runner := newFakeRunner()
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	seedReady(t, st, "ingest", "net")
	seedReady(t, st, "ingest", "net")

	_, stop := startScheduler(t, st, runner, sink, reg, Config{Global: 1})
	defer stop()

	runner.waitStarted(t, 1)
	runner.release <- struct{}{}

	// The first outcome is stuck in the sink; its capacity must already be
	// free for the second job.
	runner.waitStarted(t, 1)
	runner.release <- struct{}{}
	close(sink.gate)

	for i := 0; i < 2; i++ {
		select {
		case <-sink.applied:
		case <-time.After(waitFor):
			t.Fatalf("only %d outcomes applied", i)
		}
	}
}

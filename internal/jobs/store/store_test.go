package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yungbote/scholarcast-backend/internal/data/testutil"
	"github.com/yungbote/scholarcast-backend/internal/domain/video"
)

// Every test runs against both implementations; the gorm store must behave
// exactly like the in-memory reference.
func runStores(t *testing.T, fn func(t *testing.T, clk *clock.Mock, s Store)) {
	t.Run("memory", func(t *testing.T) {
		clk := clock.NewMock()
		clk.Add(12 * time.Hour)
		fn(t, clk, NewMemory(clk))
	})
	t.Run("gorm", func(t *testing.T) {
		clk := clock.NewMock()
		clk.Add(12 * time.Hour)
		fn(t, clk, NewGorm(testutil.OpenDB(t), clk))
	})
}

func newTestJob(t *testing.T) *video.Job {
	t.Helper()
	job := &video.Job{
		ID:                uuid.New(),
		State:             video.JobQueued,
		CurrentStage:      "ingest",
		AttemptBudget:     8,
		NextStage:         "ingest",
		NextResourceClass: "net",
	}
	if err := job.EncodeInput(video.TitleInput("Attention Is All You Need")); err != nil {
		t.Fatalf("encode input: %v", err)
	}
	if err := job.EncodeOptions(video.DefaultOptions()); err != nil {
		t.Fatalf("encode options: %v", err)
	}
	stages := []video.StageState{
		{StageID: "ingest", Phase: video.StageReady},
		{StageID: "understand", Phase: video.StagePending},
	}
	if err := job.EncodeStages(stages); err != nil {
		t.Fatalf("encode stages: %v", err)
	}
	return job
}

func stageOf(t *testing.T, job *video.Job, id string) video.StageState {
	t.Helper()
	stages, err := job.DecodeStages()
	if err != nil {
		t.Fatalf("decode stages: %v", err)
	}
	ss := video.FindStage(stages, id)
	if ss == nil {
		t.Fatalf("stage %q not found", id)
	}
	return *ss
}

func mustClaimOne(t *testing.T, s Store, req ClaimRequest) *video.Job {
	t.Helper()
	claimed, err := s.ClaimReady(context.Background(), req)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(claimed))
	}
	return claimed[0]
}

func TestStore_CreateAndGet(t *testing.T) {
	runStores(t, func(t *testing.T, clk *clock.Mock, s Store) {
		ctx := context.Background()
		job := newTestJob(t)
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
		if job.UpdatedAt.IsZero() || job.CreatedAt.IsZero() {
			t.Fatalf("create did not assign timestamps")
		}

		got, err := s.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != video.JobQueued || got.NextStage != "ingest" {
			t.Fatalf("unexpected job: state=%s next=%s", got.State, got.NextStage)
		}
		in, err := got.DecodeInput()
		if err != nil {
			t.Fatalf("decode input: %v", err)
		}
		if in.Title != "Attention Is All You Need" {
			t.Fatalf("input did not round-trip: %+v", in)
		}

		if err := s.Create(ctx, job); !errors.Is(err, ErrConflict) {
			t.Fatalf("duplicate create should conflict, got %v", err)
		}
		if _, err := s.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get unknown id should be not found, got %v", err)
		}
	})
}

func TestStore_ClaimReady_LeaseAndEvent(t *testing.T) {
	runStores(t, func(t *testing.T, clk *clock.Mock, s Store) {
		ctx := context.Background()
		job := newTestJob(t)
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}

		claimed := mustClaimOne(t, s, ClaimRequest{
			Limit: 1, ResourceClass: "net", LeaseOwner: "exec-1", LeaseTTL: time.Minute,
		})
		if claimed.State != video.JobRunning {
			t.Fatalf("claimed job should be running, got %s", claimed.State)
		}
		if claimed.LeaseOwner != "exec-1" || claimed.LeaseExpiresAt == nil {
			t.Fatalf("lease not bound: owner=%q exp=%v", claimed.LeaseOwner, claimed.LeaseExpiresAt)
		}
		ss := stageOf(t, claimed, "ingest")
		if ss.Phase != video.StageRunning || ss.StartedAt == nil {
			t.Fatalf("stage not running: %+v", ss)
		}

		// The lease blocks a second claim.
		again, err := s.ClaimReady(ctx, ClaimRequest{
			Limit: 1, LeaseOwner: "exec-2", LeaseTTL: time.Minute,
		})
		if err != nil {
			t.Fatalf("second claim: %v", err)
		}
		if len(again) != 0 {
			t.Fatalf("leased job was claimed twice")
		}

		events, err := s.ListEvents(ctx, job.ID, 0)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		ev := events[0]
		if ev.Seq != 1 || ev.StageID != "ingest" || ev.OldPhase != video.StageReady || ev.NewPhase != video.StageRunning {
			t.Fatalf("unexpected claim event: %+v", ev)
		}
		if ev.JobState != video.JobRunning {
			t.Fatalf("claim event should carry running state, got %s", ev.JobState)
		}
	})
}

func TestStore_ClaimReady_ClassFilterAndFIFO(t *testing.T) {
	runStores(t, func(t *testing.T, clk *clock.Mock, s Store) {
		ctx := context.Background()

		first := newTestJob(t)
		clk.Add(time.Millisecond)
		if err := s.Create(ctx, first); err != nil {
			t.Fatalf("create first: %v", err)
		}
		clk.Add(time.Millisecond)
		second := newTestJob(t)
		if err := s.Create(ctx, second); err != nil {
			t.Fatalf("create second: %v", err)
		}
		clk.Add(time.Millisecond)
		llmJob := newTestJob(t)
		llmJob.NextResourceClass = "llm"
		if err := s.Create(ctx, llmJob); err != nil {
			t.Fatalf("create llm job: %v", err)
		}

		got := mustClaimOne(t, s, ClaimRequest{
			Limit: 1, ResourceClass: "llm", LeaseOwner: "exec-llm", LeaseTTL: time.Minute,
		})
		if got.ID != llmJob.ID {
			t.Fatalf("class filter claimed the wrong job")
		}

		claimed, err := s.ClaimReady(ctx, ClaimRequest{
			Limit: 2, ResourceClass: "net", LeaseOwner: "exec-net", LeaseTTL: time.Minute,
		})
		if err != nil {
			t.Fatalf("claim net: %v", err)
		}
		if len(claimed) != 2 {
			t.Fatalf("expected 2 net jobs, got %d", len(claimed))
		}
		if claimed[0].ID != first.ID || claimed[1].ID != second.ID {
			t.Fatalf("claims are not FIFO by updated_at")
		}
	})
}

func TestStore_ClaimReady_HonorsReadyAt(t *testing.T) {
	runStores(t, func(t *testing.T, clk *clock.Mock, s Store) {
		ctx := context.Background()
		job := newTestJob(t)
		notBefore := clk.Now().UTC().Add(5 * time.Minute)
		job.ReadyAt = &notBefore
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}

		claimed, err := s.ClaimReady(ctx, ClaimRequest{Limit: 1, LeaseOwner: "exec-1", LeaseTTL: time.Minute})
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(claimed) != 0 {
			t.Fatalf("job claimed before ready_at")
		}

		clk.Add(5*time.Minute + time.Second)
		mustClaimOne(t, s, ClaimRequest{Limit: 1, LeaseOwner: "exec-1", LeaseTTL: time.Minute})
	})
}

func TestStore_UpdateCAS(t *testing.T) {
	runStores(t, func(t *testing.T, clk *clock.Mock, s Store) {
		ctx := context.Background()
		job := newTestJob(t)
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
		staleToken := job.UpdatedAt

		next := job.Clone()
		next.State = video.JobRunning
		ev, err := video.NewEvent(next, "ingest", video.StageReady, video.StageRunning, nil, "", clk.Now().UTC())
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		if err := s.Update(ctx, next, staleToken, ev); err != nil {
			t.Fatalf("update: %v", err)
		}
		if !next.UpdatedAt.After(staleToken) {
			t.Fatalf("update did not advance updated_at")
		}

		// A writer holding the old token must lose.
		loser := job.Clone()
		loser.State = video.JobCancelled
		if err := s.Update(ctx, loser, staleToken); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale update should conflict, got %v", err)
		}

		got, err := s.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != video.JobRunning {
			t.Fatalf("state after CAS race: %s", got.State)
		}
		events, err := s.ListEvents(ctx, job.ID, 0)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		if len(events) != 1 || events[0].Seq != 1 {
			t.Fatalf("expected the single committed event, got %+v", events)
		}
	})
}

func TestStore_ExtendLease(t *testing.T) {
	runStores(t, func(t *testing.T, clk *clock.Mock, s Store) {
		ctx := context.Background()
		job := newTestJob(t)
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
		claimed := mustClaimOne(t, s, ClaimRequest{Limit: 1, LeaseOwner: "exec-1", LeaseTTL: time.Minute})

		clk.Add(30 * time.Second)
		if err := s.ExtendLease(ctx, job.ID, "exec-1", time.Minute); err != nil {
			t.Fatalf("extend: %v", err)
		}
		got, err := s.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.LeaseExpiresAt.After(*claimed.LeaseExpiresAt) {
			t.Fatalf("lease expiry did not move forward")
		}
		if !got.UpdatedAt.Equal(claimed.UpdatedAt) {
			t.Fatalf("heartbeat must not bump updated_at: %v -> %v", claimed.UpdatedAt, got.UpdatedAt)
		}

		if err := s.ExtendLease(ctx, job.ID, "someone-else", time.Minute); !errors.Is(err, ErrConflict) {
			t.Fatalf("foreign owner should conflict, got %v", err)
		}
	})
}

func TestStore_ReleaseLease_RestoresReady(t *testing.T) {
	runStores(t, func(t *testing.T, clk *clock.Mock, s Store) {
		ctx := context.Background()
		job := newTestJob(t)
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
		mustClaimOne(t, s, ClaimRequest{Limit: 1, LeaseOwner: "exec-1", LeaseTTL: time.Minute})

		if err := s.ReleaseLease(ctx, job.ID, "wrong-owner"); !errors.Is(err, ErrConflict) {
			t.Fatalf("foreign release should conflict, got %v", err)
		}
		if err := s.ReleaseLease(ctx, job.ID, "exec-1"); err != nil {
			t.Fatalf("release: %v", err)
		}

		got, err := s.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
			t.Fatalf("lease not cleared: %+v", got)
		}
		ss := stageOf(t, got, "ingest")
		if ss.Phase != video.StageReady || ss.Attempts != 0 {
			t.Fatalf("release should restore READY with attempts intact: %+v", ss)
		}

		// The job is claimable again right away.
		mustClaimOne(t, s, ClaimRequest{Limit: 1, LeaseOwner: "exec-2", LeaseTTL: time.Minute})
	})
}

func TestStore_ReapExpiredLeases_RecoversCrashedJob(t *testing.T) {
	runStores(t, func(t *testing.T, clk *clock.Mock, s Store) {
		ctx := context.Background()
		job := newTestJob(t)
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
		mustClaimOne(t, s, ClaimRequest{Limit: 1, LeaseOwner: "exec-dead", LeaseTTL: time.Minute})

		// Lease still fresh: nothing to reap.
		n, err := s.ReapExpiredLeases(ctx)
		if err != nil {
			t.Fatalf("reap: %v", err)
		}
		if n != 0 {
			t.Fatalf("reaped a live lease")
		}

		clk.Add(2 * time.Minute)
		n, err = s.ReapExpiredLeases(ctx)
		if err != nil {
			t.Fatalf("reap: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 reaped job, got %d", n)
		}

		got, err := s.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.LeaseOwner != "" {
			t.Fatalf("lease not cleared by reap")
		}
		ss := stageOf(t, got, "ingest")
		if ss.Phase != video.StageReady {
			t.Fatalf("reap should revert the stage to READY, got %s", ss.Phase)
		}
		if ss.Attempts != 0 {
			t.Fatalf("a lost lease must not consume an attempt, got %d", ss.Attempts)
		}
		if ss.LastError == nil || ss.LastError.Kind != video.KindLeaseLost {
			t.Fatalf("last_error should record the lost lease: %+v", ss.LastError)
		}

		// Recovery: the job can be claimed again.
		mustClaimOne(t, s, ClaimRequest{Limit: 1, LeaseOwner: "exec-2", LeaseTTL: time.Minute})
	})
}

func TestStore_RequestCancel_IdempotentAndTerminalNoop(t *testing.T) {
	runStores(t, func(t *testing.T, clk *clock.Mock, s Store) {
		ctx := context.Background()
		job := newTestJob(t)
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}

		flagged, err := s.RequestCancel(ctx, job.ID)
		if err != nil {
			t.Fatalf("request cancel: %v", err)
		}
		if flagged.CancelRequestedAt == nil {
			t.Fatalf("cancel flag not set")
		}
		firstAt := *flagged.CancelRequestedAt

		clk.Add(time.Minute)
		again, err := s.RequestCancel(ctx, job.ID)
		if err != nil {
			t.Fatalf("second request cancel: %v", err)
		}
		if !again.CancelRequestedAt.Equal(firstAt) {
			t.Fatalf("repeated cancel moved the request timestamp")
		}

		// Terminal jobs ignore new flags entirely.
		done := newTestJob(t)
		if err := s.Create(ctx, done); err != nil {
			t.Fatalf("create done: %v", err)
		}
		terminal := done.Clone()
		terminal.State = video.JobCompleted
		terminal.CurrentStage = ""
		terminal.NextStage = ""
		if err := s.Update(ctx, terminal, done.UpdatedAt); err != nil {
			t.Fatalf("update to completed: %v", err)
		}
		after, err := s.RequestCancel(ctx, done.ID)
		if err != nil {
			t.Fatalf("cancel terminal: %v", err)
		}
		if after.CancelRequestedAt != nil || after.State != video.JobCompleted {
			t.Fatalf("terminal job mutated by cancel request: %+v", after)
		}
	})
}

func TestStore_ListEvents_ResumesAfterSeq(t *testing.T) {
	runStores(t, func(t *testing.T, clk *clock.Mock, s Store) {
		ctx := context.Background()
		job := newTestJob(t)
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
		mustClaimOne(t, s, ClaimRequest{Limit: 1, LeaseOwner: "exec-1", LeaseTTL: time.Minute})
		if err := s.ReleaseLease(ctx, job.ID, "exec-1"); err != nil {
			t.Fatalf("release: %v", err)
		}
		mustClaimOne(t, s, ClaimRequest{Limit: 1, LeaseOwner: "exec-2", LeaseTTL: time.Minute})

		all, err := s.ListEvents(ctx, job.ID, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 events, got %d", len(all))
		}
		for i, ev := range all {
			if ev.Seq != int64(i+1) {
				t.Fatalf("event %d has seq %d", i, ev.Seq)
			}
		}

		tail, err := s.ListEvents(ctx, job.ID, 2)
		if err != nil {
			t.Fatalf("list tail: %v", err)
		}
		if len(tail) != 1 || tail[0].Seq != 3 {
			t.Fatalf("resume after seq 2 returned %+v", tail)
		}
	})
}

func TestWrapErr_ClassifiesPostgresFailures(t *testing.T) {
	if err := wrapErr("claim ready", &pgconn.PgError{Code: "53300"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("resource exhaustion should map to ErrUnavailable, got %v", err)
	}
	if err := wrapErr("claim ready", &pgconn.PgError{Code: "08006"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("connection failure should map to ErrUnavailable, got %v", err)
	}
	if err := wrapErr("create job", &pgconn.PgError{Code: "23505"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("unique violation should map to ErrConflict, got %v", err)
	}
	if err := wrapErr("update job", &pgconn.PgError{Code: "40001"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("serialization failure should map to ErrConflict, got %v", err)
	}
	err := wrapErr("get job", &pgconn.PgError{Code: "42703"})
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict) {
		t.Fatalf("query bugs must not masquerade as transient errors: %v", err)
	}
}

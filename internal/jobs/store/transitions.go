package store

import (
	"fmt"
	"time"

	"github.com/facebookgo/clock"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
)

// bumpUpdatedAt produces the next CAS token: strictly after prev even under
// a frozen test clock, truncated to microseconds so the value survives the
// postgres round trip intact.
func bumpUpdatedAt(clk clock.Clock, prev time.Time) time.Time {
	now := clk.Now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

// The row mutations below are shared by the memory and gorm stores so the
// two cannot drift. Each takes a private copy of the job, edits it in place
// and returns the ledger event to commit alongside the row.

// claimStage flips the next READY stage to RUNNING under a fresh lease.
func claimStage(job *video.Job, owner string, ttl time.Duration, now time.Time) (*video.JobEvent, error) {
	stages, err := job.DecodeStages()
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	ss := video.FindStage(stages, job.NextStage)
	if ss == nil || ss.Phase != video.StageReady {
		// Denormalized pointer disagrees with the stage record; leave the
		// row alone rather than guess.
		return nil, fmt.Errorf("claim job %s: stage %q is not ready: %w", job.ID, job.NextStage, ErrConflict)
	}
	started := now
	ss.Phase = video.StageRunning
	ss.StartedAt = &started

	job.State = video.JobRunning
	job.CurrentStage = ss.StageID
	job.ReadyAt = nil
	job.LeaseOwner = owner
	exp := now.Add(ttl)
	job.LeaseExpiresAt = &exp
	if err := job.EncodeStages(stages); err != nil {
		return nil, err
	}
	return video.NewEvent(job, ss.StageID, video.StageReady, video.StageRunning, nil, "", now)
}

// releaseStage undoes a claim that never dispatched: the stage returns to
// READY with attempts untouched and the lease is dropped. The event is nil
// when the stage was not RUNNING (the lease alone is cleared).
func releaseStage(job *video.Job, now time.Time) (*video.JobEvent, error) {
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	stages, err := job.DecodeStages()
	if err != nil {
		return nil, err
	}
	ss := video.FindStage(stages, job.CurrentStage)
	if ss == nil || ss.Phase != video.StageRunning {
		return nil, nil
	}
	ss.Phase = video.StageReady
	ss.StartedAt = nil
	if err := job.EncodeStages(stages); err != nil {
		return nil, err
	}
	return video.NewEvent(job, ss.StageID, video.StageRunning, video.StageReady, nil, "lease released before dispatch", now)
}

// reapStage recovers a job whose lease expired mid-stage: RUNNING reverts to
// READY, attempts stay where they were and last_error records the lost
// lease. This is the entire crash-recovery path.
func reapStage(job *video.Job, now time.Time) (*video.JobEvent, error) {
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	job.ReadyAt = nil
	stages, err := job.DecodeStages()
	if err != nil {
		return nil, fmt.Errorf("reap job %s: %w", job.ID, err)
	}
	ss := video.FindStage(stages, job.CurrentStage)
	if ss == nil || ss.Phase != video.StageRunning {
		return nil, nil
	}
	ss.Phase = video.StageReady
	ss.StartedAt = nil
	ss.LastError = video.NewStageError(video.KindLeaseLost, "lease expired before completion")
	ss.LastError.Retryable = true
	if err := job.EncodeStages(stages); err != nil {
		return nil, err
	}
	return video.NewEvent(job, ss.StageID, video.StageRunning, video.StageReady, ss.LastError, "", now)
}

type jobFlag int

const (
	flagCancel jobFlag = iota
	flagPause
)

// flagJob records a cancel or pause request. It reports false when the job
// is already terminal or the flag was already set, in which case the row is
// untouched.
func flagJob(job *video.Job, flag jobFlag, now time.Time) (*video.JobEvent, bool, error) {
	if job.State.Terminal() {
		return nil, false, nil
	}
	msg := "cancel requested"
	switch flag {
	case flagCancel:
		if job.CancelRequestedAt != nil {
			return nil, false, nil
		}
		ts := now
		job.CancelRequestedAt = &ts
	case flagPause:
		if job.PauseRequestedAt != nil {
			return nil, false, nil
		}
		ts := now
		job.PauseRequestedAt = &ts
		msg = "pause requested"
	}
	ev, err := video.NewEvent(job, "", "", "", nil, msg, now)
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

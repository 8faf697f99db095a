package video

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobEvent is an append-only ledger of committed transitions, one row per
// state change. This is the canonical timeline: the progress bus replays it
// for late subscribers and it survives bus subscribers dropping messages.
// Seq is per-job monotone (the job row carries the counter), so readers can
// resume from any point.
type JobEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_video_job_event_job_seq,priority:1" json:"job_id"`
	Seq       int64          `gorm:"column:seq;not null;uniqueIndex:idx_video_job_event_job_seq,priority:2" json:"seq"`
	StageID   string         `gorm:"column:stage_id;index" json:"stage_id,omitempty"`
	OldPhase  StagePhase     `gorm:"column:old_phase" json:"old_phase,omitempty"`
	NewPhase  StagePhase     `gorm:"column:new_phase" json:"new_phase,omitempty"`
	JobState  JobState       `gorm:"column:job_state;not null;index" json:"job_state"`
	Error     datatypes.JSON `gorm:"column:error;type:jsonb" json:"error,omitempty"`
	Message   string         `gorm:"column:message;type:text" json:"message,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;index;autoCreateTime:false" json:"created_at"`
}

func (JobEvent) TableName() string { return "video_job_event" }

// NewEvent allocates the next ledger entry for job, bumping job.EventSeq.
// The caller commits the event in the same store write as the job row.
func NewEvent(job *Job, stageID string, oldPhase, newPhase StagePhase, stageErr *StageError, message string, at time.Time) (*JobEvent, error) {
	job.EventSeq++
	ev := &JobEvent{
		ID:        uuid.New(),
		JobID:     job.ID,
		Seq:       job.EventSeq,
		StageID:   stageID,
		OldPhase:  oldPhase,
		NewPhase:  newPhase,
		JobState:  job.State,
		Message:   message,
		CreatedAt: at,
	}
	if stageErr != nil {
		raw, err := json.Marshal(stageErr)
		if err != nil {
			return nil, fmt.Errorf("encode event error: %w", err)
		}
		ev.Error = datatypes.JSON(raw)
	}
	return ev, nil
}

// DecodeError returns the stage error attached to the event, if any.
func (e *JobEvent) DecodeError() (*StageError, error) {
	if len(e.Error) == 0 {
		return nil, nil
	}
	var se StageError
	if err := json.Unmarshal(e.Error, &se); err != nil {
		return nil, fmt.Errorf("decode event error: %w", err)
	}
	return &se, nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (e *JobEvent) Clone() *JobEvent {
	cp := *e
	cp.Error = cloneJSON(e.Error)
	return &cp
}

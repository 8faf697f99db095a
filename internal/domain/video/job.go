package video

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/scholarcast-backend/internal/blob"
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state is absorbing: once entered, no further
// mutation may change state, stage_states, or artifacts.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

/*
Job is the root entity per submission: one paper reference in, one narrated
video out. The durable copy lives in the job store; schedulers and executors
only ever hold short-lived working copies under a lease.

Input, Options, StageStates and Artifacts are JSON columns so that every
multi-field update rides a single row write; UpdatedAt doubles as the
compare-and-swap token for those writes. Timestamps are always assigned by the
application (never by the database) so the CAS token and the injected clock
stay in agreement.

NextStage, NextResourceClass and ReadyAt denormalize the head of StageStates
onto the row; they exist so claim queries stay single-table and indexed.
*/
type Job struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Input         datatypes.JSON `gorm:"column:input;type:jsonb;not null" json:"input"`
	Options       datatypes.JSON `gorm:"column:options;type:jsonb;not null" json:"options"`
	State         JobState       `gorm:"column:state;not null;index" json:"state"`
	CurrentStage  string         `gorm:"column:current_stage;index" json:"current_stage,omitempty"`
	StageStates   datatypes.JSON `gorm:"column:stage_states;type:jsonb;not null" json:"stage_states"`
	Artifacts     datatypes.JSON `gorm:"column:artifacts;type:jsonb" json:"artifacts,omitempty"`
	AttemptBudget int            `gorm:"column:attempt_budget;not null" json:"attempt_budget"`

	// Scheduling denormalizations (see type comment).
	NextStage         string     `gorm:"column:next_stage;index" json:"next_stage,omitempty"`
	NextResourceClass string     `gorm:"column:next_resource_class;index" json:"next_resource_class,omitempty"`
	ReadyAt           *time.Time `gorm:"column:ready_at;index" json:"ready_at,omitempty"`

	LeaseOwner     string     `gorm:"column:lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `gorm:"column:lease_expires_at;index" json:"lease_expires_at,omitempty"`

	CancelRequestedAt *time.Time `gorm:"column:cancel_requested_at" json:"cancel_requested_at,omitempty"`
	PauseRequestedAt  *time.Time `gorm:"column:pause_requested_at" json:"pause_requested_at,omitempty"`

	// FailureStage records the stage of the first fatal failure once the job
	// lands in failed (CurrentStage empties out on terminal states).
	FailureStage string `gorm:"column:failure_stage" json:"failure_stage,omitempty"`

	// EventSeq is the per-job event counter; every committed transition
	// increments it and stamps the value on the appended JobEvent.
	EventSeq int64 `gorm:"column:event_seq;not null;default:0" json:"event_seq"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index;autoUpdateTime:false" json:"updated_at"`
}

func (Job) TableName() string { return "video_job" }

func (j *Job) DecodeInput() (PaperInput, error) {
	var in PaperInput
	if len(j.Input) == 0 {
		return in, fmt.Errorf("job %s: empty input", j.ID)
	}
	if err := json.Unmarshal(j.Input, &in); err != nil {
		return in, fmt.Errorf("job %s: decode input: %w", j.ID, err)
	}
	return in, nil
}

func (j *Job) EncodeInput(in PaperInput) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	j.Input = datatypes.JSON(b)
	return nil
}

func (j *Job) DecodeOptions() (Options, error) {
	var o Options
	if len(j.Options) == 0 {
		return DefaultOptions(), nil
	}
	if err := json.Unmarshal(j.Options, &o); err != nil {
		return o, fmt.Errorf("job %s: decode options: %w", j.ID, err)
	}
	return o, nil
}

func (j *Job) EncodeOptions(o Options) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	j.Options = datatypes.JSON(b)
	return nil
}

func (j *Job) DecodeStages() ([]StageState, error) {
	if len(j.StageStates) == 0 {
		return nil, nil
	}
	var ss []StageState
	if err := json.Unmarshal(j.StageStates, &ss); err != nil {
		return nil, fmt.Errorf("job %s: decode stage states: %w", j.ID, err)
	}
	return ss, nil
}

func (j *Job) EncodeStages(ss []StageState) error {
	b, err := json.Marshal(ss)
	if err != nil {
		return fmt.Errorf("encode stage states: %w", err)
	}
	j.StageStates = datatypes.JSON(b)
	return nil
}

func (j *Job) DecodeArtifacts() (map[string]blob.Ref, error) {
	if len(j.Artifacts) == 0 {
		return map[string]blob.Ref{}, nil
	}
	var m map[string]blob.Ref
	if err := json.Unmarshal(j.Artifacts, &m); err != nil {
		return nil, fmt.Errorf("job %s: decode artifacts: %w", j.ID, err)
	}
	return m, nil
}

func (j *Job) EncodeArtifacts(m map[string]blob.Ref) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	j.Artifacts = datatypes.JSON(b)
	return nil
}

// Clone deep-copies the row. Store reads hand out clones so callers can never
// mutate the durable copy in place.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Input = cloneJSON(j.Input)
	cp.Options = cloneJSON(j.Options)
	cp.StageStates = cloneJSON(j.StageStates)
	cp.Artifacts = cloneJSON(j.Artifacts)
	cp.ReadyAt = cloneTime(j.ReadyAt)
	cp.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	cp.CancelRequestedAt = cloneTime(j.CancelRequestedAt)
	cp.PauseRequestedAt = cloneTime(j.PauseRequestedAt)
	return &cp
}

func cloneJSON(b datatypes.JSON) datatypes.JSON {
	if b == nil {
		return nil
	}
	return datatypes.JSON(append([]byte(nil), b...))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

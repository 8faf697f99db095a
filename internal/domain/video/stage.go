package video

import "time"

type StagePhase string

const (
	StagePending   StagePhase = "pending"
	StageReady     StagePhase = "ready"
	StageRunning   StagePhase = "running"
	StageSucceeded StagePhase = "succeeded"
	StageFailed    StagePhase = "failed"
	StageSkipped   StagePhase = "skipped"
)

// Terminal reports whether the phase is final for the stage within its job.
func (p StagePhase) Terminal() bool {
	switch p {
	case StageSucceeded, StageFailed, StageSkipped:
		return true
	}
	return false
}

// StageState is the per-stage checkpoint embedded in the job row, one entry
// per registry stage in pipeline order. Attempts counts terminated
// invocations, success or failure; FallbackIndex selects the worker within
// the stage's ordered worker list. ReadyAt postpones the next claim after a
// delayed retry; DeadlineAt is set only while the stage is running.
type StageState struct {
	StageID       string      `json:"stage_id"`
	Phase         StagePhase  `json:"phase"`
	Attempts      int         `json:"attempts,omitempty"`
	FallbackIndex int         `json:"fallback_index,omitempty"`
	ReadyAt       *time.Time  `json:"ready_at,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
	DeadlineAt    *time.Time  `json:"deadline_at,omitempty"`
	LastError     *StageError `json:"last_error,omitempty"`
	OutputKeys    []string    `json:"output_keys,omitempty"`
}

// FindStage returns a pointer into ss for the given stage id, or nil.
func FindStage(ss []StageState, stageID string) *StageState {
	for i := range ss {
		if ss[i].StageID == stageID {
			return &ss[i]
		}
	}
	return nil
}

package progress

import (
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
)

// Event is one committed job transition as seen by subscribers. It is a flat
// copy of the ledger row so consumers never touch gorm types; Seq carries the
// per-job ledger position, which is what replay and gap detection key on.
type Event struct {
	JobID    uuid.UUID         `json:"job_id"`
	Seq      int64             `json:"seq"`
	State    video.JobState    `json:"state"`
	StageID  string            `json:"stage_id,omitempty"`
	OldPhase video.StagePhase  `json:"old_phase,omitempty"`
	NewPhase video.StagePhase  `json:"new_phase,omitempty"`
	Error    *video.StageError `json:"error,omitempty"`
	Message  string            `json:"message,omitempty"`
	At       time.Time         `json:"at"`
}

// FromJobEvent flattens a ledger row into a bus event.
func FromJobEvent(ev *video.JobEvent) (Event, error) {
	se, err := ev.DecodeError()
	if err != nil {
		return Event{}, err
	}
	return Event{
		JobID:    ev.JobID,
		Seq:      ev.Seq,
		State:    ev.JobState,
		StageID:  ev.StageID,
		OldPhase: ev.OldPhase,
		NewPhase: ev.NewPhase,
		Error:    se,
		Message:  ev.Message,
		At:       ev.CreatedAt,
	}, nil
}

// Publisher is the fan-in point for committed transitions. The in-process
// Hub implements it directly; the Relay implements it over redis for
// multi-replica deployments.
type Publisher interface {
	Publish(ev Event)
}

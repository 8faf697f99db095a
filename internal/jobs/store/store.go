package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/platform/apperr"
)

// The store reuses the shared sentinels so callers can classify with either
// name. ErrNotFound marks an unknown job id; ErrConflict means someone else
// advanced the record (CAS lost) or a lease operation raced a reap;
// ErrUnavailable marks a transient backend failure worth backing off on.
var (
	ErrNotFound    = apperr.ErrNotFound
	ErrConflict    = apperr.ErrConflict
	ErrUnavailable = apperr.ErrUnavailable
)

// ClaimRequest parametrizes one claim_ready call.
type ClaimRequest struct {
	Limit         int
	ResourceClass string // empty claims across classes
	LeaseOwner    string
	LeaseTTL      time.Duration
}

type ListFilter struct {
	States []video.JobState
	Limit  int
}

/*
Store owns the durable copy of every job. All multi-field mutations are
serialized per job by compare-and-swap on updated_at; timestamps are assigned
by the store (strictly monotone per job, even under a frozen test clock) so
the CAS token never stalls.

ClaimReady is the scheduler's only intake: it atomically flips the next READY
stage of up to Limit eligible jobs to RUNNING, binds a lease, and appends the
ready→running event, FIFO by updated_at. Eligibility: job state queued or
running, next stage READY, ready_at due, lease free or expired, and the
resource class matching the filter.

Expired leases are NOT reclaimed by ClaimReady; ReapExpiredLeases (run at
startup and periodically) reverts those stages to READY with attempts
unchanged and last_error = lease_lost, which is the whole crash-recovery
story.

Update rewrites the row if expectedUpdatedAt still matches, appending events
in the same commit, and refreshes job.UpdatedAt in place so the caller can
chain further CAS writes. ExtendLease deliberately does not touch updated_at:
heartbeats must not invalidate the executor's working copy.
*/
type Store interface {
	Create(ctx context.Context, job *video.Job, events ...*video.JobEvent) error
	Get(ctx context.Context, id uuid.UUID) (*video.Job, error)
	List(ctx context.Context, f ListFilter) ([]*video.Job, error)

	ClaimReady(ctx context.Context, req ClaimRequest) ([]*video.Job, error)

	Update(ctx context.Context, job *video.Job, expectedUpdatedAt time.Time, events ...*video.JobEvent) error

	ExtendLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error
	ReapExpiredLeases(ctx context.Context) (int, error)

	RequestCancel(ctx context.Context, id uuid.UUID) (*video.Job, error)
	RequestPause(ctx context.Context, id uuid.UUID) (*video.Job, error)

	ListEvents(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]*video.JobEvent, error)
}

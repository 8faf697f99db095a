package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
)

// Gorm persists jobs in the video_job / video_job_event tables. Claims take
// row locks with SKIP LOCKED on postgres so concurrent schedulers never hand
// the same stage to two executors; on sqlite (single writer) the transaction
// alone serializes claims and the locking clause is omitted.
type Gorm struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewGorm(db *gorm.DB, clk clock.Clock) *Gorm {
	if clk == nil {
		clk = clock.New()
	}
	return &Gorm{db: db, clock: clk}
}

func (s *Gorm) now() time.Time { return s.clock.Now().UTC().Truncate(time.Microsecond) }

func (s *Gorm) postgres() bool { return s.db.Dialector.Name() == "postgres" }

// rowFields lists every mutable column explicitly; gorm's struct updates
// skip zero values, which would silently drop cleared leases and emptied
// stage pointers.
func rowFields(job *video.Job) map[string]interface{} {
	return map[string]interface{}{
		"input":               job.Input,
		"options":             job.Options,
		"state":               job.State,
		"current_stage":       job.CurrentStage,
		"stage_states":        job.StageStates,
		"artifacts":           job.Artifacts,
		"attempt_budget":      job.AttemptBudget,
		"next_stage":          job.NextStage,
		"next_resource_class": job.NextResourceClass,
		"ready_at":            job.ReadyAt,
		"lease_owner":         job.LeaseOwner,
		"lease_expires_at":    job.LeaseExpiresAt,
		"cancel_requested_at": job.CancelRequestedAt,
		"pause_requested_at":  job.PauseRequestedAt,
		"failure_stage":       job.FailureStage,
		"event_seq":           job.EventSeq,
		"updated_at":          job.UpdatedAt,
	}
}

func (s *Gorm) Create(ctx context.Context, job *video.Job, events ...*video.JobEvent) error {
	if job.ID == uuid.Nil {
		return fmt.Errorf("create job: missing id")
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Create(job).Error; err != nil {
			return err
		}
		for _, ev := range events {
			if ev.CreatedAt.IsZero() {
				ev.CreatedAt = now
			}
			if err := txx.Create(ev).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapErr("create job", err)
	}
	return nil
}

func (s *Gorm) Get(ctx context.Context, id uuid.UUID) (*video.Job, error) {
	var job video.Job
	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, wrapErr("get job", err)
	}
	if job.ID == uuid.Nil {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return &job, nil
}

func (s *Gorm) List(ctx context.Context, f ListFilter) ([]*video.Job, error) {
	q := s.db.WithContext(ctx).Model(&video.Job{})
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	q = q.Order("created_at ASC, id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []*video.Job
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapErr("list jobs", err)
	}
	return rows, nil
}

func (s *Gorm) ClaimReady(ctx context.Context, req ClaimRequest) ([]*video.Job, error) {
	if req.Limit <= 0 || req.LeaseOwner == "" || req.LeaseTTL <= 0 {
		return nil, fmt.Errorf("claim: limit, lease owner and ttl are required")
	}
	now := s.now()
	var claimed []*video.Job
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		q := txx.Where(`
        state IN ?
        AND next_stage <> ''
        AND (ready_at IS NULL OR ready_at <= ?)
        AND (lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at <= ?)
      `, []video.JobState{video.JobQueued, video.JobRunning}, now, now)
		if req.ResourceClass != "" {
			q = q.Where("next_resource_class = ?", req.ResourceClass)
		}
		q = q.Order("updated_at ASC").Limit(req.Limit)
		if s.postgres() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var rows []video.Job
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			job := rows[i].Clone()
			prev := job.UpdatedAt
			ev, err := claimStage(job, req.LeaseOwner, req.LeaseTTL, now)
			if err != nil {
				if errors.Is(err, ErrConflict) {
					continue
				}
				return err
			}
			job.UpdatedAt = bumpUpdatedAt(s.clock, prev)
			res := txx.Model(&video.Job{}).
				Where("id = ? AND updated_at = ?", job.ID, prev).
				Updates(rowFields(job))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Someone advanced the row between our read and write;
				// leave it for the next pass.
				continue
			}
			if err := txx.Create(ev).Error; err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("claim ready", err)
	}
	return claimed, nil
}

func (s *Gorm) Update(ctx context.Context, job *video.Job, expectedUpdatedAt time.Time, events ...*video.JobEvent) error {
	next := bumpUpdatedAt(s.clock, expectedUpdatedAt)
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		fields := rowFields(job)
		fields["updated_at"] = next
		res := txx.Model(&video.Job{}).
			Where("id = ? AND updated_at = ?", job.ID, expectedUpdatedAt).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := txx.Model(&video.Job{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("update job %s: %w", job.ID, ErrNotFound)
			}
			return fmt.Errorf("update job %s: %w", job.ID, ErrConflict)
		}
		for _, ev := range events {
			if ev.CreatedAt.IsZero() {
				ev.CreatedAt = s.now()
			}
			if err := txx.Create(ev).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapErr("update job", err)
	}
	job.UpdatedAt = next
	return nil
}

func (s *Gorm) ExtendLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	res := s.db.WithContext(ctx).Model(&video.Job{}).
		Where("id = ? AND lease_owner = ? AND state = ?", id, owner, video.JobRunning).
		UpdateColumn("lease_expires_at", s.now().Add(ttl))
	if res.Error != nil {
		return wrapErr("extend lease", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("extend lease %s: %w", id, ErrConflict)
	}
	return nil
}

func (s *Gorm) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		row, err := s.lockRow(txx, id)
		if err != nil {
			return err
		}
		if row.LeaseOwner != owner {
			return fmt.Errorf("release lease %s: %w", id, ErrConflict)
		}
		job := row.Clone()
		prev := job.UpdatedAt
		ev, err := releaseStage(job, now)
		if err != nil {
			return err
		}
		job.UpdatedAt = bumpUpdatedAt(s.clock, prev)
		res := txx.Model(&video.Job{}).
			Where("id = ? AND updated_at = ?", job.ID, prev).
			Updates(rowFields(job))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("release lease %s: %w", id, ErrConflict)
		}
		if ev != nil {
			if err := txx.Create(ev).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr("release lease", err)
}

func (s *Gorm) ReapExpiredLeases(ctx context.Context) (int, error) {
	now := s.now()
	reaped := 0
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		q := txx.Where(
			"state = ? AND lease_owner <> '' AND (lease_expires_at IS NULL OR lease_expires_at <= ?)",
			video.JobRunning, now,
		)
		if s.postgres() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var rows []video.Job
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			job := rows[i].Clone()
			prev := job.UpdatedAt
			ev, err := reapStage(job, now)
			if err != nil {
				return err
			}
			job.UpdatedAt = bumpUpdatedAt(s.clock, prev)
			res := txx.Model(&video.Job{}).
				Where("id = ? AND updated_at = ?", job.ID, prev).
				Updates(rowFields(job))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			if ev != nil {
				if err := txx.Create(ev).Error; err != nil {
					return err
				}
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("reap leases", err)
	}
	return reaped, nil
}

func (s *Gorm) RequestCancel(ctx context.Context, id uuid.UUID) (*video.Job, error) {
	return s.requestFlag(ctx, id, flagCancel)
}

func (s *Gorm) RequestPause(ctx context.Context, id uuid.UUID) (*video.Job, error) {
	return s.requestFlag(ctx, id, flagPause)
}

func (s *Gorm) requestFlag(ctx context.Context, id uuid.UUID, flag jobFlag) (*video.Job, error) {
	var out *video.Job
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		row, err := s.lockRow(txx, id)
		if err != nil {
			return err
		}
		job := row.Clone()
		prev := job.UpdatedAt
		ev, changed, err := flagJob(job, flag, s.now())
		if err != nil {
			return err
		}
		if !changed {
			out = job
			return nil
		}
		job.UpdatedAt = bumpUpdatedAt(s.clock, prev)
		res := txx.Model(&video.Job{}).
			Where("id = ? AND updated_at = ?", job.ID, prev).
			Updates(rowFields(job))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("flag job %s: %w", id, ErrConflict)
		}
		if err := txx.Create(ev).Error; err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, wrapErr("flag job", err)
	}
	return out, nil
}

func (s *Gorm) ListEvents(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]*video.JobEvent, error) {
	var rows []*video.JobEvent
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND seq > ?", jobID, afterSeq).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapErr("list events", err)
	}
	return rows, nil
}

// lockRow fetches one job under FOR UPDATE where the dialect supports it.
func (s *Gorm) lockRow(txx *gorm.DB, id uuid.UUID) (*video.Job, error) {
	q := txx.Where("id = ?", id).Limit(1)
	if s.postgres() {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row video.Job
	if err := q.Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return &row, nil
}

// wrapErr keeps store sentinels intact and maps driver-level failures onto
// ErrUnavailable so callers can back off without knowing about postgres.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			// unique_violation
			return fmt.Errorf("%s: %s: %w", op, pgErr.Code, ErrConflict)
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			// serialization_failure, deadlock_detected
			return fmt.Errorf("%s: %s: %w", op, pgErr.Code, ErrConflict)
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"):
			// connection, resource and shutdown classes
			return fmt.Errorf("%s: %s: %w", op, pgErr.Code, ErrUnavailable)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&video.Job{},
		&video.JobEvent{},
	)
}

// EnsureJobIndexes creates the partial indexes behind the hot queries: the
// scheduler's claim scan and the lease reaper. Postgres only; sqlite gets by
// on the plain column indexes AutoMigrate creates.
func EnsureJobIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_video_job_claim
		ON video_job (next_resource_class, updated_at)
		WHERE state IN ('queued', 'running') AND next_stage <> '';
	`).Error; err != nil {
		return fmt.Errorf("create idx_video_job_claim: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_video_job_lease
		ON video_job (lease_expires_at)
		WHERE state = 'running' AND lease_owner <> '';
	`).Error; err != nil {
		return fmt.Errorf("create idx_video_job_lease: %w", err)
	}
	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureJobIndexes(s.db); err != nil {
		s.log.Error("Job index migration failed", "error", err)
		return err
	}
	return nil
}

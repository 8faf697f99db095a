package testutil

import (
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/scholarcast-backend/internal/data/db"
)

// OpenDB returns a migrated database for store tests: an isolated in-memory
// sqlite by default, or the database named by TEST_POSTGRES_DSN when set,
// which is the dialect the deployment actually runs.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")

	var (
		gdb *gorm.DB
		err error
	)
	if dsn != "" {
		gdb, err = db.Open(postgres.Open(dsn))
	} else {
		// Named shared-cache database: gorm's pool would otherwise hand
		// each connection its own empty :memory: instance.
		name := fmt.Sprintf("file:test_%s?mode=memory&cache=shared", uuid.NewString())
		gdb, err = db.Open(sqlite.Open(name))
	}
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if dsn == "" {
		// A single connection keeps concurrent store calls from tripping
		// over sqlite's table locks.
		sqlDB, dbErr := gdb.DB()
		if dbErr != nil {
			t.Fatalf("unwrap test db: %v", dbErr)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrateAll(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	if dsn != "" {
		if err := db.EnsureJobIndexes(gdb); err != nil {
			t.Fatalf("ensure job indexes: %v", err)
		}
		if err := gdb.Exec("TRUNCATE TABLE video_job, video_job_event").Error; err != nil {
			t.Fatalf("truncate test tables: %v", err)
		}
	}

	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

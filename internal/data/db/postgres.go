package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/scholarcast-backend/internal/platform/envutil"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(logg *logger.Logger) (*PostgresService, error) {
	serviceLog := logg.With("service", "PostgresService")

	postgresHost := envutil.String("POSTGRES_HOST", "localhost")
	postgresPort := envutil.String("POSTGRES_PORT", "5432")
	postgresUser := envutil.String("POSTGRES_USER", "postgres")
	postgresPassword := envutil.String("POSTGRES_PASSWORD", "")
	postgresName := envutil.String("POSTGRES_NAME", "scholarcast")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser,
		postgresPassword,
		postgresHost,
		postgresPort,
		postgresName,
	)

	db, err := Open(postgres.Open(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

// Open applies the gorm settings shared by the server and the test helpers.
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

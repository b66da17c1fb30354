package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"transcriptworker/pkg/logger"
	"transcriptworker/pkg/model"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

var (
	// ErrJobNotFound is returned when no job row matches the id.
	ErrJobNotFound = errors.New("job not found")
	// ErrTransport wraps failures to reach the database at all.
	ErrTransport = errors.New("database transport error")
)

type PostgresStorage struct {
	pool *pgxpool.Pool
}

// New PostgreSQL storage instance
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")

	return &PostgresStorage{pool: pool}, nil
}

// RunMigrations applies the local development schema from migrationsDir.
// Production databases are owned by the API service; this is opt-in.
func RunMigrations(databaseURL, migrationsDir string) error {
	migrationsPath, err := filepath.Abs(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to get migrations path: %w", err)
	}

	var migrationsURL string
	if runtime.GOOS == "windows" {
		u := &url.URL{
			Scheme: "file",
			Path:   filepath.ToSlash(migrationsPath),
		}
		migrationsURL = u.String()
	} else {
		migrationsURL = fmt.Sprintf("file://%s", migrationsPath)
	}

	logger.Info("Running migrations", zap.String("path", migrationsURL))

	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse database URL: %w", err)
	}

	db := stdlib.OpenDB(*connConfig)
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("No new migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Migrations applied successfully")
	return nil
}

// Closes the database connection pool
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

const findJobQuery = `
		SELECT id::text, entity_id::text, status
		FROM jobs
		WHERE id = $1`

// FindJobByID looks up a job's status and owning entity. It does not retry.
func (s *PostgresStorage) FindJobByID(ctx context.Context, id string) (*model.Job, error) {
	var (
		jobID, entityID, status string
	)

	err := s.pool.QueryRow(ctx, findJobQuery, id).Scan(&jobID, &entityID, &status)
	if err != nil {
		return nil, classifyQueryError(id, err)
	}

	return &model.Job{
		ID:       jobID,
		EntityID: entityID,
		Status:   model.ParseJobStatus(status),
	}, nil
}

const invalidTextRepresentation = "22P02"

func classifyQueryError(id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// jobs.id is a uuid, so a malformed id can never match a row.
		if pgErr.Code == invalidTextRepresentation {
			return fmt.Errorf("%w: %s: %s", ErrJobNotFound, id, pgErr.Message)
		}
		return fmt.Errorf("failed to query job %s: %w", logger.ShortID(id), err)
	}

	logger.Error("Failed to reach database",
		logger.JobID(id),
		zap.Error(err))
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

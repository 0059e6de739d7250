// Package sqlite implements pkg/history.Store on SQLite through GORM, using
// the pure-Go glebarez/sqlite driver (no cgo), matching
// original_source/db/sqlite_connection.py's actual backend (busy_timeout
// pragma, serialized writer discipline — spec section 5's "busy-timeout
// retry 3-5s, short transactions"). Connection-pool sizing and GORM wiring
// follow the teacher's pkg/storage/postgres/job_store.go. Schema evolution
// is forward-only goose migrations embedded into the binary.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pipelex/pkg/errs"
	"pipelex/pkg/models"
	"pipelex/pkg/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// runSummaryRow and jobHistoryRow are the GORM-tagged row shapes; kept
// distinct from pkg/models' engine-facing types so storage concerns
// (column types, primary keys) don't leak into the core's domain model,
// mirroring the teacher's separation of models.Job from its GORM tags.
type runSummaryRow struct {
	RunID           int64      `gorm:"column:run_id;primaryKey"`
	AttemptID       int64      `gorm:"column:attempt_id;primaryKey"`
	ApplicationName string     `gorm:"column:application_name"`
	StartTime       time.Time  `gorm:"column:start_time"`
	EndTime         *time.Time `gorm:"column:end_time"`
	Status          string     `gorm:"column:status"`
	TotalJobs       int        `gorm:"column:total_jobs"`
	CompletedJobs   int        `gorm:"column:completed_jobs"`
	FailedJobs      int        `gorm:"column:failed_jobs"`
	SkippedJobs     int        `gorm:"column:skipped_jobs"`
	ExitCode        int        `gorm:"column:exit_code"`
	WorkingDir      string     `gorm:"column:working_dir"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
}

func (runSummaryRow) TableName() string { return "run_summary" }

type jobHistoryRow struct {
	RunID           int64               `gorm:"column:run_id;primaryKey"`
	AttemptID       int64               `gorm:"column:attempt_id;primaryKey"`
	JobID           string              `gorm:"column:id;primaryKey"`
	Description     string              `gorm:"column:description"`
	Command         string              `gorm:"column:command"`
	Status          string              `gorm:"column:status"`
	ApplicationName string              `gorm:"column:application_name"`
	DurationSeconds float64             `gorm:"column:duration_seconds"`
	RetryCount      int                 `gorm:"column:retry_count"`
	LastError       string              `gorm:"column:last_error"`
	RetryHistory    models.RetryHistory `gorm:"column:retry_history"`
	LastRun         *time.Time          `gorm:"column:last_run"`
	LastExitCode    int                 `gorm:"column:last_exit_code"`
}

func (jobHistoryRow) TableName() string { return "job_history" }

// Store is the SQLite-backed history.Store implementation.
type Store struct {
	db *gorm.DB
	cb *resilience.CircuitBreaker
}

// Config tunes the connection pool and breaker, following the teacher's
// NewPostgresStore conventions.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// DefaultConfig matches spec section 5's "busy-timeout retry (3-5s)"
// guidance and a conservative single-writer pool (SQLite serializes writers
// regardless of pool size).
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     4 * time.Second,
	}
}

// New opens (creating if necessary) a SQLite-backed history store, applies
// pending goose migrations, and wraps writes in a circuit breaker so a
// wedged database degrades to "log and continue" instead of blocking the
// scheduler loop (spec section 7, StoreError).
func New(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, errs.Store("open sqlite history store", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errs.Store("unwrap sql.DB", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := migrate(sqlDB); err != nil {
		return nil, errs.Store("apply migrations", err)
	}

	return &Store{
		db: db,
		cb: resilience.New(resilience.DefaultConfig()),
	}, nil
}

func migrate(sqlDB *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(sqlDB, "migrations")
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) withBreaker(ctx context.Context, fn func() error) error {
	if err := s.cb.Execute(ctx, fn); err != nil {
		return errs.Store("history store operation", err)
	}
	return nil
}

// AllocateRunID returns one greater than the current max run_id across every
// application sharing this store (global monotone, per DESIGN.md's
// resolution of the spec's Open Question).
func (s *Store) AllocateRunID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	err := s.withBreaker(ctx, func() error {
		return s.db.WithContext(ctx).Model(&runSummaryRow{}).Select("MAX(run_id)").Scan(&maxID).Error
	})
	if err != nil {
		return 0, err
	}
	if !maxID.Valid {
		return 1, nil
	}
	return maxID.Int64 + 1, nil
}

// NextAttemptID returns max(attempt_id)+1 for runID, or 1 if none exist.
func (s *Store) NextAttemptID(ctx context.Context, runID int64) (int64, error) {
	var maxID sql.NullInt64
	err := s.withBreaker(ctx, func() error {
		return s.db.WithContext(ctx).Model(&runSummaryRow{}).
			Where("run_id = ?", runID).Select("MAX(attempt_id)").Scan(&maxID).Error
	})
	if err != nil {
		return 0, err
	}
	if !maxID.Valid {
		return 1, nil
	}
	return maxID.Int64 + 1, nil
}

// OpenRun creates the run_summary row for a new attempt.
func (s *Store) OpenRun(ctx context.Context, run models.Run) error {
	row := runSummaryRow{
		RunID:           run.RunID,
		AttemptID:       run.AttemptID,
		ApplicationName: run.ApplicationName,
		StartTime:       run.StartTime,
		Status:          string(models.RunRunning),
		TotalJobs:       run.TotalJobs,
		WorkingDir:      run.WorkingDir,
		CreatedAt:       time.Now(),
	}
	return s.withBreaker(ctx, func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
}

// CloseRun finalizes a run_summary row.
func (s *Store) CloseRun(ctx context.Context, runID, attemptID int64, endTime time.Time, status models.RunStatus, completed, failed, skipped, exitCode int) error {
	return s.withBreaker(ctx, func() error {
		return s.db.WithContext(ctx).Model(&runSummaryRow{}).
			Where("run_id = ? AND attempt_id = ?", runID, attemptID).
			Updates(map[string]any{
				"end_time":       endTime,
				"status":         string(status),
				"completed_jobs": completed,
				"failed_jobs":    failed,
				"skipped_jobs":   skipped,
				"exit_code":      exitCode,
			}).Error
	})
}

// RecordJob upserts a JobAttempt's status.
func (s *Store) RecordJob(ctx context.Context, attempt models.JobAttempt) error {
	row := jobHistoryRow{
		RunID:           attempt.RunID,
		AttemptID:       attempt.AttemptID,
		JobID:           attempt.JobID,
		Description:     attempt.Description,
		Command:         attempt.Command,
		Status:          string(attempt.Status),
		ApplicationName: attempt.ApplicationName,
		DurationSeconds: attempt.DurationSeconds,
		RetryCount:      attempt.RetryCount,
		LastError:       attempt.LastError,
		RetryHistory:    attempt.RetryHistory,
		LastExitCode:    attempt.LastExitCode,
	}
	if !attempt.LastRunTime.IsZero() {
		row.LastRun = &attempt.LastRunTime
	}
	return s.withBreaker(ctx, func() error {
		return s.db.WithContext(ctx).Save(&row).Error
	})
}

// RecordRetry appends a retry record mid-flight, before a terminal status.
func (s *Store) RecordRetry(ctx context.Context, runID, attemptID int64, jobID string, retryCount int, history models.RetryHistory, status models.JobStatus, reason string) error {
	return s.withBreaker(ctx, func() error {
		res := s.db.WithContext(ctx).Model(&jobHistoryRow{}).
			Where("run_id = ? AND attempt_id = ? AND id = ?", runID, attemptID, jobID).
			Updates(map[string]any{
				"retry_count":   retryCount,
				"retry_history": history,
				"status":        string(status),
				"last_error":    reason,
			})
		if res.Error != nil || res.RowsAffected > 0 {
			return res.Error
		}
		// No row exists yet for this attempt (RecordJob runs only at the
		// terminal status), so insert one carrying the retry state.
		return s.db.WithContext(ctx).Create(&jobHistoryRow{
			RunID: runID, AttemptID: attemptID, JobID: jobID, Status: string(status),
			RetryCount: retryCount, LastError: reason, RetryHistory: history,
		}).Error
	})
}

// GetPreviousStatuses returns the cumulative latest status per job across
// every attempt of runID, attempt ids read in ascending order so later
// attempts overwrite earlier ones for the same job id.
func (s *Store) GetPreviousStatuses(ctx context.Context, runID int64) (map[string]models.JobStatus, error) {
	var rows []jobHistoryRow
	err := s.withBreaker(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("run_id = ?", runID).
			Order("attempt_id ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.JobStatus, len(rows))
	for _, r := range rows {
		out[r.JobID] = models.JobStatus(r.Status)
	}
	return out, nil
}

// GetLatestExitCode returns the exit code recorded for one job attempt.
func (s *Store) GetLatestExitCode(ctx context.Context, runID, attemptID int64, jobID string) (int, error) {
	var row jobHistoryRow
	err := s.withBreaker(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("run_id = ? AND attempt_id = ? AND id = ?", runID, attemptID, jobID).
			First(&row).Error
	})
	if err != nil {
		return 0, err
	}
	return row.LastExitCode, nil
}

// GetRun returns the latest attempt's run_summary row for runID plus every
// job_history row recorded under that attempt.
func (s *Store) GetRun(ctx context.Context, runID int64) (*models.Run, []models.JobAttempt, error) {
	var summary runSummaryRow
	err := s.withBreaker(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("run_id = ?", runID).
			Order("attempt_id DESC").
			First(&summary).Error
	})
	if err != nil {
		return nil, nil, err
	}

	var rows []jobHistoryRow
	err = s.withBreaker(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("run_id = ? AND attempt_id = ?", runID, summary.AttemptID).
			Find(&rows).Error
	})
	if err != nil {
		return nil, nil, err
	}

	run := &models.Run{
		RunID:           summary.RunID,
		AttemptID:       summary.AttemptID,
		ApplicationName: summary.ApplicationName,
		StartTime:       summary.StartTime,
		EndTime:         summary.EndTime,
		Status:          models.RunStatus(summary.Status),
		TotalJobs:       summary.TotalJobs,
		CompletedJobs:   summary.CompletedJobs,
		FailedJobs:      summary.FailedJobs,
		SkippedJobs:     summary.SkippedJobs,
		ExitCode:        summary.ExitCode,
		WorkingDir:      summary.WorkingDir,
	}

	attempts := make([]models.JobAttempt, 0, len(rows))
	for _, r := range rows {
		attempt := models.JobAttempt{
			RunID:           r.RunID,
			AttemptID:       r.AttemptID,
			JobID:           r.JobID,
			Description:     r.Description,
			Command:         r.Command,
			Status:          models.JobStatus(r.Status),
			ApplicationName: r.ApplicationName,
			DurationSeconds: r.DurationSeconds,
			RetryCount:      r.RetryCount,
			LastError:       r.LastError,
			RetryHistory:    r.RetryHistory,
			LastExitCode:    r.LastExitCode,
		}
		if r.LastRun != nil {
			attempt.LastRunTime = *r.LastRun
		}
		attempts = append(attempts, attempt)
	}

	return run, attempts, nil
}

// MarkJobsSuccessful force-marks jobs SUCCESS for manual remediation.
func (s *Store) MarkJobsSuccessful(ctx context.Context, runID int64, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	return s.withBreaker(ctx, func() error {
		return s.db.WithContext(ctx).Model(&jobHistoryRow{}).
			Where("run_id = ? AND id IN ?", runID, jobIDs).
			Update("status", string(models.StatusSuccess)).Error
	})
}

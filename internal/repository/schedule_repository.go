package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/itam-admin-api/internal/models"
)

const scheduleColumns = `id, name, enabled, frequency, time_of_day, retention_days, notify, last_run_at, next_run_at, last_error, failure_count, created_by, created_at, updated_at`

// ScheduleRepository stores backup schedules.
type ScheduleRepository struct {
	db *sqlx.DB
}

// NewScheduleRepository constructs the repository.
func NewScheduleRepository(db *sqlx.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Create inserts a schedule.
func (r *ScheduleRepository) Create(ctx context.Context, schedule *models.BackupSchedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = schedule.CreatedAt
	const query = `INSERT INTO backup_schedules (` + scheduleColumns + `)
	VALUES (:id, :name, :enabled, :frequency, :time_of_day, :retention_days, :notify, :last_run_at, :next_run_at, :last_error, :failure_count, :created_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, schedule); err != nil {
		return fmt.Errorf("create backup schedule: %w", err)
	}
	return nil
}

// GetByID returns a schedule or sql.ErrNoRows.
func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*models.BackupSchedule, error) {
	const query = `SELECT ` + scheduleColumns + ` FROM backup_schedules WHERE id = $1`
	var schedule models.BackupSchedule
	if err := r.db.GetContext(ctx, &schedule, query, id); err != nil {
		return nil, err
	}
	return &schedule, nil
}

// List returns every schedule ordered by next run.
func (r *ScheduleRepository) List(ctx context.Context) ([]models.BackupSchedule, error) {
	const query = `SELECT ` + scheduleColumns + ` FROM backup_schedules ORDER BY next_run_at ASC, created_at ASC`
	schedules := make([]models.BackupSchedule, 0)
	if err := r.db.SelectContext(ctx, &schedules, query); err != nil {
		return nil, fmt.Errorf("list backup schedules: %w", err)
	}
	return schedules, nil
}

// ListDue returns enabled schedules whose next run is at or before now.
func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]models.BackupSchedule, error) {
	const query = `SELECT ` + scheduleColumns + ` FROM backup_schedules WHERE enabled = TRUE AND next_run_at <= $1 ORDER BY next_run_at ASC`
	schedules := make([]models.BackupSchedule, 0)
	if err := r.db.SelectContext(ctx, &schedules, query, now); err != nil {
		return nil, fmt.Errorf("list due backup schedules: %w", err)
	}
	return schedules, nil
}

// UpdateRun records a run outcome only if next_run_at still matches the value
// the caller read. A concurrent edit or delete yields sql.ErrNoRows.
func (r *ScheduleRepository) UpdateRun(ctx context.Context, update models.ScheduleRunUpdate) error {
	const query = `UPDATE backup_schedules
	SET last_run_at = COALESCE($2, last_run_at), next_run_at = $3, last_error = $4, failure_count = $5, updated_at = $6
	WHERE id = $1 AND next_run_at = $7`
	res, err := r.db.ExecContext(ctx, query,
		update.ID,
		update.LastRunAt,
		update.NextRunAt,
		update.LastError,
		update.FailureCount,
		update.UpdatedAt,
		update.ExpectedNextRun,
	)
	if err != nil {
		return fmt.Errorf("update backup schedule run: %w", err)
	}
	return expectOneRow(res)
}

// SetEnabled toggles a schedule and resets its next run.
func (r *ScheduleRepository) SetEnabled(ctx context.Context, id string, enabled bool, nextRunAt, updatedAt time.Time) error {
	const query = `UPDATE backup_schedules SET enabled = $2, next_run_at = $3, updated_at = $4 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, enabled, nextRunAt, updatedAt)
	if err != nil {
		return fmt.Errorf("toggle backup schedule: %w", err)
	}
	return expectOneRow(res)
}

// Delete removes a schedule, returning sql.ErrNoRows when absent.
func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM backup_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backup schedule: %w", err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

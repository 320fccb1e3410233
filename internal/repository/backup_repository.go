package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/itam-admin-api/internal/models"
)

const backupColumns = `id, name, description, taken_at, schema_version, metadata, document_ref, size_bytes, created_by, schedule_id, created_at`

// BackupRepository persists the backup catalog.
type BackupRepository struct {
	db *sqlx.DB
}

// NewBackupRepository constructs the repository.
func NewBackupRepository(db *sqlx.DB) *BackupRepository {
	return &BackupRepository{db: db}
}

// Create inserts a catalog row.
func (r *BackupRepository) Create(ctx context.Context, record *models.BackupRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO backups (` + backupColumns + `)
	VALUES (:id, :name, :description, :taken_at, :schema_version, :metadata, :document_ref, :size_bytes, :created_by, :schedule_id, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("create backup record: %w", err)
	}
	return nil
}

// GetByID returns one catalog row or sql.ErrNoRows.
func (r *BackupRepository) GetByID(ctx context.Context, id string) (*models.BackupRecord, error) {
	const query = `SELECT ` + backupColumns + ` FROM backups WHERE id = $1`
	var record models.BackupRecord
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns catalog rows newest first.
func (r *BackupRepository) List(ctx context.Context, filter models.BackupFilter) ([]models.BackupRecord, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + backupColumns + ` FROM backups`)
	args := make([]interface{}, 0, 2)
	conditions := make([]string, 0, 2)

	if filter.ScheduleID != "" {
		args = append(args, filter.ScheduleID)
		conditions = append(conditions, fmt.Sprintf("schedule_id = $%d", len(args)))
	}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	records := make([]models.BackupRecord, 0)
	if err := r.db.SelectContext(ctx, &records, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return records, nil
}

// Delete removes a catalog row, returning sql.ErrNoRows when absent.
func (r *BackupRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM backups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check backup delete rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Stats aggregates count, size and the newest backup timestamp.
func (r *BackupRepository) Stats(ctx context.Context) (*models.CatalogStats, error) {
	const query = `SELECT COUNT(*) AS count, COALESCE(SUM(size_bytes), 0) AS total_bytes, MAX(taken_at) AS latest_at FROM backups`
	var stats models.CatalogStats
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("backup stats: %w", err)
	}
	return &stats, nil
}

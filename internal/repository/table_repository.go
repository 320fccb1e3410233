package repository

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/itam-admin-api/internal/models"
)

const defaultUpsertBatch = 500

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// TableRepository is the generic read/write capability over the backed-up tables.
// Rows travel as JSON objects so the repository needs no per-table structs.
type TableRepository struct {
	db        *sqlx.DB
	batchSize int
}

// NewTableRepository constructs the repository.
func NewTableRepository(db *sqlx.DB) *TableRepository {
	return &TableRepository{db: db, batchSize: defaultUpsertBatch}
}

// ReadAll returns every row of table ordered by id.
func (r *TableRepository) ReadAll(ctx context.Context, table models.BackupTable) ([]models.Row, error) {
	name, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t ORDER BY t.id`, name)
	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]models.Row, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		row, err := decodeRow(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

// Upsert inserts rows or replaces existing ones with the same id. Rows are
// grouped by their column set so a column a row omits is left untouched on
// conflict instead of being overwritten with NULL.
func (r *TableRepository) Upsert(ctx context.Context, table models.BackupTable, rows []models.Row) error {
	name, err := quoteTable(table)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	groups, err := groupByColumns(rows)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}

	batch := r.batchSize
	if batch <= 0 {
		batch = defaultUpsertBatch
	}
	for _, group := range groups {
		query := buildUpsertQuery(name, group.columns)
		for start := 0; start < len(group.rows); start += batch {
			end := start + batch
			if end > len(group.rows) {
				end = len(group.rows)
			}
			payload, err := json.Marshal(group.rows[start:end])
			if err != nil {
				return fmt.Errorf("encode %s batch: %w", table, err)
			}
			if _, err := r.db.ExecContext(ctx, query, string(payload)); err != nil {
				return fmt.Errorf("upsert %s (%s) rows %d-%d: %w", table, strings.Join(group.columns, ","), start, end-1, err)
			}
		}
	}
	return nil
}

// DeleteAll removes every row of table.
func (r *TableRepository) DeleteAll(ctx context.Context, table models.BackupTable) error {
	name, err := quoteTable(table)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM `+name); err != nil {
		return fmt.Errorf("delete all %s: %w", table, err)
	}
	return nil
}

// Count returns the number of rows in table.
func (r *TableRepository) Count(ctx context.Context, table models.BackupTable) (int64, error) {
	name, err := quoteTable(table)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM `+name); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

func quoteTable(table models.BackupTable) (string, error) {
	if !table.IsKnown() {
		return "", fmt.Errorf("unknown backup table %q", table)
	}
	return `"` + string(table) + `"`, nil
}

func decodeRow(raw []byte) (models.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	row := models.Row{}
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}

type columnGroup struct {
	columns []string
	rows    []models.Row
}

// groupByColumns splits rows by their sorted key set, keeping the order in
// which each set first appears.
func groupByColumns(rows []models.Row) ([]columnGroup, error) {
	index := make(map[string]int)
	groups := make([]columnGroup, 0, 1)
	for i, row := range rows {
		if row.ID() == "" {
			return nil, fmt.Errorf("row %d has no id", i)
		}
		columns := make([]string, 0, len(row))
		for col := range row {
			if !identifierPattern.MatchString(col) {
				return nil, fmt.Errorf("invalid column name %q", col)
			}
			columns = append(columns, col)
		}
		sort.Strings(columns)
		key := strings.Join(columns, ",")
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, columnGroup{columns: columns})
		}
		groups[pos].rows = append(groups[pos].rows, row)
	}
	return groups, nil
}

func buildUpsertQuery(table string, columns []string) string {
	quoted := make([]string, len(columns))
	updates := make([]string, 0, len(columns))
	for i, col := range columns {
		quoted[i] = `"` + col + `"`
		if col != "id" {
			updates = append(updates, fmt.Sprintf(`"%s" = EXCLUDED."%s"`, col, col))
		}
	}
	list := strings.Join(quoted, ", ")
	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM json_populate_recordset(NULL::%s, $1::json) ON CONFLICT (id) %s`,
		table, list, list, table, conflict)
}

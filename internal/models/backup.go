package models

import (
	"bytes"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// BackupTable names one of the collections captured by a snapshot.
type BackupTable string

const (
	TableDepartments             BackupTable = "departments"
	TableUsers                   BackupTable = "users"
	TableAssets                  BackupTable = "assets"
	TableIssues                  BackupTable = "issues"
	TableAssetRequests           BackupTable = "asset_requests"
	TableNotifications           BackupTable = "notifications"
	TableNotificationPreferences BackupTable = "user_notification_preferences"
)

// DefaultBackupSchemaVersion is stamped on documents when no version is configured.
const DefaultBackupSchemaVersion = "1.0"

const backupTimestampLayout = "2006-01-02 15:04:05"

// ForwardOrder is the dependency order used for writes. Each table only
// references tables that appear before it.
var ForwardOrder = []BackupTable{
	TableDepartments,
	TableUsers,
	TableAssets,
	TableIssues,
	TableAssetRequests,
	TableNotifications,
	TableNotificationPreferences,
}

// ReverseOrder is ForwardOrder reversed; deletes follow it.
var ReverseOrder = func() []BackupTable {
	out := make([]BackupTable, len(ForwardOrder))
	for i, t := range ForwardOrder {
		out[len(ForwardOrder)-1-i] = t
	}
	return out
}()

// IsKnown reports whether t is one of the captured tables.
func (t BackupTable) IsKnown() bool {
	for _, known := range ForwardOrder {
		if t == known {
			return true
		}
	}
	return false
}

// Row is one table row keyed by column name. Numbers decode as json.Number.
type Row map[string]interface{}

// ID returns the primary key rendered as a string.
func (r Row) ID() string {
	if r == nil {
		return ""
	}
	v, ok := r["id"]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// BackupTables carries the rows of all seven tables.
type BackupTables struct {
	Assets                  []Row `json:"assets"`
	Users                   []Row `json:"users"`
	Departments             []Row `json:"departments"`
	Issues                  []Row `json:"issues"`
	AssetRequests           []Row `json:"asset_requests"`
	Notifications           []Row `json:"notifications"`
	NotificationPreferences []Row `json:"user_notification_preferences"`
}

func (t *BackupTables) slot(table BackupTable) *[]Row {
	switch table {
	case TableDepartments:
		return &t.Departments
	case TableUsers:
		return &t.Users
	case TableAssets:
		return &t.Assets
	case TableIssues:
		return &t.Issues
	case TableAssetRequests:
		return &t.AssetRequests
	case TableNotifications:
		return &t.Notifications
	case TableNotificationPreferences:
		return &t.NotificationPreferences
	}
	return nil
}

// Rows returns the rows captured for table.
func (t *BackupTables) Rows(table BackupTable) []Row {
	if s := t.slot(table); s != nil {
		return *s
	}
	return nil
}

// Set replaces the rows for table. Unknown tables are ignored.
func (t *BackupTables) Set(table BackupTable, rows []Row) {
	if s := t.slot(table); s != nil {
		if rows == nil {
			rows = []Row{}
		}
		*s = rows
	}
}

// Normalize turns nil slices into empty ones so every key encodes as [].
func (t *BackupTables) Normalize() {
	for _, table := range ForwardOrder {
		s := t.slot(table)
		if *s == nil {
			*s = []Row{}
		}
	}
}

// MarshalJSON always emits all seven keys.
func (t BackupTables) MarshalJSON() ([]byte, error) {
	t.Normalize()
	type plain BackupTables
	return json.Marshal(plain(t))
}

// UnmarshalJSON treats missing keys as empty tables.
func (t *BackupTables) UnmarshalJSON(data []byte) error {
	type plain BackupTables
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*t = BackupTables(p)
	t.Normalize()
	return nil
}

// BackupMetadata summarises a snapshot. The first four fields form the
// published file format; Counts and TotalBytes add per-table detail.
type BackupMetadata struct {
	TotalAssets int                 `json:"totalAssets"`
	TotalUsers  int                 `json:"totalUsers"`
	TotalIssues int                 `json:"totalIssues"`
	BackupSize  int64               `json:"backupSize"`
	Counts      map[BackupTable]int `json:"counts,omitempty"`
	TotalBytes  int64               `json:"totalBytes,omitempty"`
}

// Value marshals metadata for the JSONB column.
func (m BackupMetadata) Value() (driver.Value, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal backup metadata: %w", err)
	}
	return data, nil
}

// Scan unmarshals the JSONB column.
func (m *BackupMetadata) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*m = BackupMetadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for BackupMetadata", value)
	}
	if len(data) == 0 {
		*m = BackupMetadata{}
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("unmarshal backup metadata: %w", err)
	}
	return nil
}

// BackupDocument is an immutable point-in-time export of all tables.
type BackupDocument struct {
	Timestamp   time.Time      `json:"timestamp"`
	Version     string         `json:"version"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Tables      BackupTables   `json:"tables"`
	Metadata    BackupMetadata `json:"metadata"`
}

// DefaultBackupName renders the label used when no name is supplied.
func DefaultBackupName(at time.Time) string {
	return "Backup - " + at.UTC().Format(backupTimestampLayout)
}

// BackupRecord is the catalog row describing one stored document.
type BackupRecord struct {
	ID            string         `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	Description   string         `db:"description" json:"description"`
	Timestamp     time.Time      `db:"taken_at" json:"timestamp"`
	SchemaVersion string         `db:"schema_version" json:"schemaVersion"`
	Metadata      BackupMetadata `db:"metadata" json:"metadata"`
	DocumentRef   string         `db:"document_ref" json:"-"`
	SizeBytes     int64          `db:"size_bytes" json:"sizeBytes"`
	CreatedBy     string         `db:"created_by" json:"createdBy"`
	ScheduleID    *string        `db:"schedule_id" json:"scheduleId,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
}

// BackupFilter narrows catalog listings.
type BackupFilter struct {
	ScheduleID    string
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// RestoreOptions tunes a restore run.
type RestoreOptions struct {
	ClearExisting     bool `json:"clearExisting"`
	SkipUsers         bool `json:"skipUsers"`
	SkipNotifications bool `json:"skipNotifications"`
}

// Skips reports whether table is excluded by the options.
func (o RestoreOptions) Skips(table BackupTable) bool {
	switch table {
	case TableUsers:
		return o.SkipUsers
	case TableNotifications, TableNotificationPreferences:
		return o.SkipNotifications
	}
	return false
}

// RestorePhase distinguishes the clear and apply halves of a restore.
type RestorePhase string

const (
	RestorePhaseClear  RestorePhase = "clear"
	RestorePhaseUpsert RestorePhase = "upsert"
)

// RestoreStep records one completed pipeline step.
type RestoreStep struct {
	Phase RestorePhase `json:"phase"`
	Table BackupTable  `json:"table"`
	Rows  int          `json:"rows"`
}

// RestoreResult summarises what a restore applied, including partial runs.
type RestoreResult struct {
	BackupTimestamp time.Time     `json:"backupTimestamp"`
	BackupVersion   string        `json:"backupVersion"`
	Cleared         []RestoreStep `json:"cleared"`
	Restored        []RestoreStep `json:"restored"`
	Skipped         []BackupTable `json:"skipped"`
	Completed       bool          `json:"completed"`
	StartedAt       time.Time     `json:"startedAt"`
	FinishedAt      time.Time     `json:"finishedAt"`
}

// SystemStats is the overview shown on the backup screen.
type SystemStats struct {
	TableCounts     map[BackupTable]int64 `json:"tableCounts"`
	TotalRecords    int64                 `json:"totalRecords"`
	BackupCount     int64                 `json:"backupCount"`
	BackupBytes     int64                 `json:"backupBytes"`
	LatestBackupAt  *time.Time            `json:"latestBackupAt,omitempty"`
	ScheduleCount   int                   `json:"scheduleCount"`
	NextScheduledAt *time.Time            `json:"nextScheduledAt,omitempty"`
	GeneratedAt     time.Time             `json:"generatedAt"`
}

// CatalogStats aggregates the backups table.
type CatalogStats struct {
	Count      int64      `db:"count"`
	TotalBytes int64      `db:"total_bytes"`
	LatestAt   *time.Time `db:"latest_at"`
}

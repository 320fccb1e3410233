package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/noah-isme/itam-admin-api/internal/models"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
)

const restoreLockName = "backups:restore"

type restoreLocker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, error)
	Release(ctx context.Context, name, token string) error
}

type backupDocumentSource interface {
	Get(ctx context.Context, id string) (*models.BackupDocument, error)
}

// RestoreUpload is a file supplied by an operator: raw JSON or a zip holding one JSON document.
type RestoreUpload struct {
	Filename string
	Content  []byte
}

// RestoreServiceConfig holds restore tunables.
type RestoreServiceConfig struct {
	SchemaVersion  string
	StepTimeout    time.Duration
	MaxUploadBytes int64
	LockTTL        time.Duration
}

// RestoreService validates backup documents and reapplies them in dependency order.
type RestoreService struct {
	tables  TableStore
	catalog backupDocumentSource
	locks   restoreLocker
	metrics *MetricsService
	logger  *zap.Logger
	cfg     RestoreServiceConfig
	now     func() time.Time
	running atomic.Bool
}

// NewRestoreService constructs the service. catalog and locks may be nil.
func NewRestoreService(tables TableStore, catalog backupDocumentSource, locks restoreLocker, metrics *MetricsService, logger *zap.Logger, cfg RestoreServiceConfig) *RestoreService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = models.DefaultBackupSchemaVersion
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Minute
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 * 1024 * 1024
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &RestoreService{
		tables:  tables,
		catalog: catalog,
		locks:   locks,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ParseDocument decodes and validates a backup file without touching the database.
func (s *RestoreService) ParseDocument(data []byte) (*models.BackupDocument, error) {
	doc, err := DecodeBackupDocument(data, s.cfg.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if doc.Version == "" {
		s.logger.Warn("backup document has no version, assuming current schema", zap.String("schema_version", s.cfg.SchemaVersion))
	}
	return doc, nil
}

// UploadAndRestore parses an uploaded file and restores it. Any parse or
// validation failure happens before the first write.
func (s *RestoreService) UploadAndRestore(ctx context.Context, upload RestoreUpload, opts models.RestoreOptions) (*models.RestoreResult, error) {
	if len(upload.Content) == 0 {
		return nil, invalidFormat("uploaded file is empty", nil)
	}
	if int64(len(upload.Content)) > s.cfg.MaxUploadBytes {
		return nil, appErrors.Clone(appErrors.ErrPayloadTooLarge, fmt.Sprintf("backup file exceeds %d bytes", s.cfg.MaxUploadBytes))
	}
	data, err := s.extractDocument(upload)
	if err != nil {
		return nil, err
	}
	doc, err := s.ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return s.Restore(ctx, doc, opts)
}

// RestoreFromCatalog loads a stored backup and restores it.
func (s *RestoreService) RestoreFromCatalog(ctx context.Context, id string, opts models.RestoreOptions) (*models.RestoreResult, error) {
	if s.catalog == nil {
		return nil, appErrors.ErrServiceUnavailable
	}
	doc, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Restore(ctx, doc, opts)
}

// Restore applies doc table by table. Clears run in reverse dependency order,
// upserts in forward order. The first failing step stops the run and a
// *RestoreStepFailure is returned together with the partial result.
func (s *RestoreService) Restore(ctx context.Context, doc *models.BackupDocument, opts models.RestoreOptions) (*models.RestoreResult, error) {
	if doc == nil {
		return nil, invalidFormat("document is required", nil)
	}
	if err := ValidateBackupDocument(doc); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// restores are not cancellable; only step deadlines apply
	ctx = context.WithoutCancel(ctx)

	result := &models.RestoreResult{
		BackupTimestamp: doc.Timestamp,
		BackupVersion:   doc.Version,
		Cleared:         []models.RestoreStep{},
		Restored:        []models.RestoreStep{},
		Skipped:         []models.BackupTable{},
		StartedAt:       s.now().UTC(),
	}
	steps, skipped := s.plan(doc, opts)
	result.Skipped = skipped

	log := s.logger.With(zap.Time("backup_timestamp", doc.Timestamp), zap.Bool("clear_existing", opts.ClearExisting))
	log.Info("restore started", zap.Int("steps", len(steps)), zap.Strings("skipped", tableNames(skipped)))

	completed := make([]models.RestoreStep, 0, len(steps))
	for _, step := range steps {
		stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
		started := time.Now()
		stepErr := step.run(stepCtx)
		cancel()
		s.metrics.ObserveRestoreStep(step.phase, step.table, stepErr, time.Since(started))

		if stepErr != nil {
			failure := &RestoreStepFailure{
				Phase:          step.phase,
				Table:          step.table,
				PriorSuccesses: append([]models.RestoreStep{}, completed...),
				Err:            stepErr,
			}
			result.FinishedAt = s.now().UTC()
			s.metrics.ObserveRestore(failure)
			log.Error("restore step failed",
				zap.String("phase", string(step.phase)),
				zap.String("table", string(step.table)),
				zap.Int("completed_steps", len(completed)),
				zap.Error(stepErr),
			)
			return result, failure
		}

		done := models.RestoreStep{Phase: step.phase, Table: step.table, Rows: len(step.rows)}
		completed = append(completed, done)
		if step.phase == models.RestorePhaseClear {
			result.Cleared = append(result.Cleared, done)
		} else {
			result.Restored = append(result.Restored, done)
		}
	}

	result.Completed = true
	result.FinishedAt = s.now().UTC()
	s.metrics.ObserveRestore(nil)
	log.Info("restore finished", zap.Int("steps", len(completed)), zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)))
	return result, nil
}

type restoreStep struct {
	phase models.RestorePhase
	table models.BackupTable
	rows  []models.Row
	run   func(ctx context.Context) error
}

func (s *RestoreService) plan(doc *models.BackupDocument, opts models.RestoreOptions) ([]restoreStep, []models.BackupTable) {
	steps := make([]restoreStep, 0, 2*len(models.ForwardOrder))
	if opts.ClearExisting {
		for _, table := range models.ReverseOrder {
			if opts.Skips(table) {
				continue
			}
			table := table
			steps = append(steps, restoreStep{
				phase: models.RestorePhaseClear,
				table: table,
				run: func(ctx context.Context) error {
					return s.tables.DeleteAll(ctx, table)
				},
			})
		}
	}

	skipped := make([]models.BackupTable, 0, 3)
	for _, table := range models.ForwardOrder {
		if opts.Skips(table) {
			skipped = append(skipped, table)
			continue
		}
		table := table
		rows := doc.Tables.Rows(table)
		steps = append(steps, restoreStep{
			phase: models.RestorePhaseUpsert,
			table: table,
			rows:  rows,
			run: func(ctx context.Context) error {
				if len(rows) == 0 {
					return nil
				}
				return s.tables.Upsert(ctx, table, rows)
			},
		})
	}
	return steps, skipped
}

// acquire enforces one restore at a time: in-process first, then across
// replicas through the shared lock when one is configured.
func (s *RestoreService) acquire(ctx context.Context) (func(), error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, appErrors.ErrRestoreInProgress
	}
	if s.locks == nil {
		return func() { s.running.Store(false) }, nil
	}
	token, err := s.locks.Acquire(ctx, restoreLockName, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, appErrors.ErrLockNotAcquired) {
			s.running.Store(false)
			return nil, appErrors.ErrRestoreInProgress
		}
		s.logger.Warn("restore lock unavailable, continuing with local guard", zap.Error(err))
		return func() { s.running.Store(false) }, nil
	}
	return func() {
		if err := s.locks.Release(context.Background(), restoreLockName, token); err != nil {
			s.logger.Warn("release restore lock", zap.Error(err))
		}
		s.running.Store(false)
	}, nil
}

func (s *RestoreService) extractDocument(upload RestoreUpload) ([]byte, error) {
	data := upload.Content
	isZip := bytes.HasPrefix(data, []byte("PK\x03\x04")) || strings.EqualFold(path.Ext(upload.Filename), ".zip")
	if !isZip {
		return data, nil
	}
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, invalidFormat("archive is not a readable zip file", err)
	}
	var entry *zip.File
	for _, f := range archive.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".json") {
			continue
		}
		if entry != nil {
			return nil, invalidFormat("archive must contain exactly one .json document", nil)
		}
		entry = f
	}
	if entry == nil {
		return nil, invalidFormat("archive contains no .json document", nil)
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, invalidFormat("cannot open archived document", err)
	}
	defer rc.Close()
	out, err := io.ReadAll(io.LimitReader(rc, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, invalidFormat("cannot read archived document", err)
	}
	if int64(len(out)) > s.cfg.MaxUploadBytes {
		return nil, appErrors.Clone(appErrors.ErrPayloadTooLarge, fmt.Sprintf("archived document exceeds %d bytes", s.cfg.MaxUploadBytes))
	}
	return out, nil
}

type rawBackupDocument struct {
	Timestamp   *string         `json:"timestamp"`
	Version     json.RawMessage `json:"version"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Tables      json.RawMessage `json:"tables"`
	Metadata    json.RawMessage `json:"metadata"`
}

// DecodeBackupDocument parses the backup wire format. It rejects documents
// without a parseable timestamp, with unknown table keys, with non-array
// tables or non-object rows, and with a major version newer than
// supportedVersion. Missing table keys become empty tables.
func DecodeBackupDocument(data []byte, supportedVersion string) (*models.BackupDocument, error) {
	var raw rawBackupDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalidFormat("document is not a JSON object", err)
	}
	if raw.Timestamp == nil || strings.TrimSpace(*raw.Timestamp) == "" {
		return nil, invalidFormat("timestamp is required", nil)
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*raw.Timestamp))
	if err != nil {
		return nil, invalidFormat("timestamp must be ISO-8601", err)
	}

	version, err := decodeVersion(raw.Version)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(version, supportedVersion); err != nil {
		return nil, err
	}

	if isNullJSON(raw.Tables) {
		return nil, invalidFormat("tables is required", nil)
	}
	var rawTables map[string]json.RawMessage
	if err := json.Unmarshal(raw.Tables, &rawTables); err != nil {
		return nil, invalidFormat("tables must be an object", err)
	}

	doc := &models.BackupDocument{
		Timestamp:   ts.UTC(),
		Version:     version,
		Name:        raw.Name,
		Description: raw.Description,
	}
	for key, value := range rawTables {
		table := models.BackupTable(key)
		if !table.IsKnown() {
			return nil, invalidFormat(fmt.Sprintf("unknown table %q", key), nil)
		}
		rows, err := decodeTableRows(table, value)
		if err != nil {
			return nil, err
		}
		doc.Tables.Set(table, rows)
	}
	doc.Tables.Normalize()

	if isNullJSON(raw.Metadata) {
		meta, err := ComputeMetadata(&doc.Tables)
		if err != nil {
			return nil, err
		}
		doc.Metadata = meta
	} else if err := json.Unmarshal(raw.Metadata, &doc.Metadata); err != nil {
		return nil, invalidFormat("metadata must be an object", err)
	}
	return doc, nil
}

// ValidateBackupDocument checks an in-memory document before it is applied.
func ValidateBackupDocument(doc *models.BackupDocument) error {
	if doc.Timestamp.IsZero() {
		return invalidFormat("timestamp is required", nil)
	}
	for _, table := range models.ForwardOrder {
		for i, row := range doc.Tables.Rows(table) {
			if row == nil {
				return invalidFormat(fmt.Sprintf("row %d of %s is not an object", i, table), nil)
			}
			if row.ID() == "" {
				return invalidFormat(fmt.Sprintf("row %d of %s has no id", i, table), nil)
			}
		}
	}
	return nil
}

func decodeTableRows(table models.BackupTable, value json.RawMessage) ([]models.Row, error) {
	if isNullJSON(value) {
		return []models.Row{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(value, &items); err != nil {
		return nil, invalidFormat(fmt.Sprintf("table %s must be an array", table), err)
	}
	rows := make([]models.Row, 0, len(items))
	for i, item := range items {
		trimmed := bytes.TrimSpace(item)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, invalidFormat(fmt.Sprintf("row %d of %s is not an object", i, table), nil)
		}
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		row := models.Row{}
		if err := dec.Decode(&row); err != nil {
			return nil, invalidFormat(fmt.Sprintf("row %d of %s is malformed", i, table), err)
		}
		if row.ID() == "" {
			return nil, invalidFormat(fmt.Sprintf("row %d of %s has no id", i, table), nil)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeVersion(raw json.RawMessage) (string, error) {
	if isNullJSON(raw) {
		return "", nil
	}
	var version string
	if err := json.Unmarshal(raw, &version); err == nil {
		return strings.TrimSpace(version), nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String(), nil
	}
	return "", invalidFormat("version must be a string", nil)
}

// checkVersion accepts documents of the same or an older major version.
func checkVersion(version, supported string) error {
	if version == "" {
		return nil
	}
	docMajor, err := majorVersion(version)
	if err != nil {
		return invalidFormat(fmt.Sprintf("unrecognised version %q", version), nil)
	}
	runMajor, err := majorVersion(supported)
	if err != nil {
		return nil
	}
	if docMajor > runMajor {
		return invalidFormat(fmt.Sprintf("backup version %s is newer than supported %s", version, supported), nil)
	}
	return nil
}

func majorVersion(v string) (int, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	major, _, _ := strings.Cut(v, ".")
	return strconv.Atoi(major)
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

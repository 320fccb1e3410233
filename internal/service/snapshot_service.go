package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/itam-admin-api/internal/models"
)

// TableStore is the data access capability snapshots and restores run against.
type TableStore interface {
	ReadAll(ctx context.Context, table models.BackupTable) ([]models.Row, error)
	Upsert(ctx context.Context, table models.BackupTable, rows []models.Row) error
	DeleteAll(ctx context.Context, table models.BackupTable) error
}

// SnapshotServiceConfig holds snapshot tunables.
type SnapshotServiceConfig struct {
	SchemaVersion string
	StepTimeout   time.Duration
}

// SnapshotService assembles backup documents from the live tables.
type SnapshotService struct {
	tables  TableStore
	metrics *MetricsService
	logger  *zap.Logger
	cfg     SnapshotServiceConfig
	now     func() time.Time
}

// NewSnapshotService constructs the service.
func NewSnapshotService(tables TableStore, metrics *MetricsService, logger *zap.Logger, cfg SnapshotServiceConfig) *SnapshotService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = models.DefaultBackupSchemaVersion
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Minute
	}
	return &SnapshotService{
		tables:  tables,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// CreateSnapshot reads all seven tables in parallel and returns a document.
// If any read fails the whole snapshot fails with *SnapshotError.
// The caller's cancellation is ignored; only per-table timeouts apply.
func (s *SnapshotService) CreateSnapshot(ctx context.Context, name, description string) (*models.BackupDocument, error) {
	ctx = context.WithoutCancel(ctx)
	started := s.now().UTC()

	var (
		mu       sync.Mutex
		results  = make(map[models.BackupTable][]models.Row, len(models.ForwardOrder))
		failures = make(map[models.BackupTable]error)
		group    errgroup.Group
	)
	for _, table := range models.ForwardOrder {
		table := table
		group.Go(func() error {
			stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
			defer cancel()
			rows, err := s.tables.ReadAll(stepCtx, table)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[table] = err
				return err
			}
			results[table] = rows
			return nil
		})
	}
	// every read reports into failures; the first error alone is not enough
	_ = group.Wait()

	if len(failures) > 0 {
		snapErr := &SnapshotError{}
		for _, table := range models.ForwardOrder {
			if err, ok := failures[table]; ok {
				snapErr.Failures = append(snapErr.Failures, TableFailure{Table: table, Reason: err.Error(), Err: err})
			}
		}
		s.metrics.ObserveSnapshot(nil, time.Since(started))
		s.logger.Error("snapshot failed", zap.Strings("tables", tableNames(snapErr.Tables())), zap.Error(snapErr))
		return nil, snapErr
	}

	doc := &models.BackupDocument{
		Timestamp:   started,
		Version:     s.cfg.SchemaVersion,
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
	}
	if doc.Name == "" {
		doc.Name = models.DefaultBackupName(started)
	}
	for table, rows := range results {
		doc.Tables.Set(table, rows)
	}
	doc.Tables.Normalize()

	meta, err := ComputeMetadata(&doc.Tables)
	if err != nil {
		s.metrics.ObserveSnapshot(nil, time.Since(started))
		return nil, err
	}
	doc.Metadata = meta

	s.metrics.ObserveSnapshot(doc, time.Since(started))
	s.logger.Info("snapshot created",
		zap.String("name", doc.Name),
		zap.Int("assets", meta.TotalAssets),
		zap.Int("users", meta.TotalUsers),
		zap.Int64("bytes", meta.BackupSize),
		zap.Duration("elapsed", time.Since(started)),
	)
	return doc, nil
}

// ComputeMetadata derives counts and serialized size from the captured rows.
func ComputeMetadata(tables *models.BackupTables) (models.BackupMetadata, error) {
	encoded, err := json.Marshal(tables)
	if err != nil {
		return models.BackupMetadata{}, fmt.Errorf("encode snapshot tables: %w", err)
	}
	counts := make(map[models.BackupTable]int, len(models.ForwardOrder))
	for _, table := range models.ForwardOrder {
		counts[table] = len(tables.Rows(table))
	}
	size := int64(len(encoded))
	return models.BackupMetadata{
		TotalAssets: counts[models.TableAssets],
		TotalUsers:  counts[models.TableUsers],
		TotalIssues: counts[models.TableIssues],
		BackupSize:  size,
		Counts:      counts,
		TotalBytes:  size,
	}, nil
}

func tableNames(tables []models.BackupTable) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = string(t)
	}
	return out
}

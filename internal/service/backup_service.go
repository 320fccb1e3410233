package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/itam-admin-api/internal/models"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
	"github.com/noah-isme/itam-admin-api/pkg/storage"
)

type backupCatalogStore interface {
	Create(ctx context.Context, record *models.BackupRecord) error
	GetByID(ctx context.Context, id string) (*models.BackupRecord, error)
	List(ctx context.Context, filter models.BackupFilter) ([]models.BackupRecord, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*models.CatalogStats, error)
}

type downloadSigner interface {
	Generate(backupID string) (string, time.Time, error)
	Parse(token string) (string, time.Time, error)
}

type tableCounter interface {
	Count(ctx context.Context, table models.BackupTable) (int64, error)
}

type scheduleLister interface {
	List(ctx context.Context) ([]models.BackupSchedule, error)
}

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

const systemStatsCacheKey = "backups:system-stats"

// BackupServiceConfig holds catalog settings.
type BackupServiceConfig struct {
	SchemaVersion string
	APIPrefix     string
	StatsTTL      time.Duration
}

// BackupDownloadLink is a signed, expiring download URL.
type BackupDownloadLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BackupDownload streams a stored document.
type BackupDownload struct {
	Record   *models.BackupRecord
	Filename string
	Body     io.ReadCloser
}

// BackupService is the durable catalog of backup documents.
type BackupService struct {
	repo      backupCatalogStore
	blobs     storage.BlobStore
	signer    downloadSigner
	counter   tableCounter
	schedules scheduleLister
	cache     statsCache
	logger    *zap.Logger
	cfg       BackupServiceConfig
	now       func() time.Time
}

// NewBackupService constructs the catalog. counter, schedules and cache are only needed for stats.
func NewBackupService(repo backupCatalogStore, blobs storage.BlobStore, signer downloadSigner, counter tableCounter, schedules scheduleLister, cache statsCache, logger *zap.Logger, cfg BackupServiceConfig) *BackupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = models.DefaultBackupSchemaVersion
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = 30 * time.Second
	}
	return &BackupService{
		repo:      repo,
		blobs:     blobs,
		signer:    signer,
		counter:   counter,
		schedules: schedules,
		cache:     cache,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Store persists doc and its catalog row. If the row cannot be written the blob is removed again.
func (s *BackupService) Store(ctx context.Context, doc *models.BackupDocument, actor string, scheduleID *string) (*models.BackupRecord, error) {
	if doc == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "backup document is required")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode backup")
	}

	id := uuid.NewString()
	key := documentKey(id)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store backup file")
	}

	record := &models.BackupRecord{
		ID:            id,
		Name:          doc.Name,
		Description:   doc.Description,
		Timestamp:     doc.Timestamp,
		SchemaVersion: doc.Version,
		Metadata:      doc.Metadata,
		DocumentRef:   key,
		SizeBytes:     int64(len(data)),
		CreatedBy:     actor,
		ScheduleID:    scheduleID,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.Create(ctx, record); err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.Warn("remove orphaned backup file", zap.String("key", key), zap.Error(delErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record backup")
	}

	s.invalidateStats(ctx)
	s.logger.Info("backup stored", zap.String("backup_id", id), zap.String("name", record.Name), zap.Int64("bytes", record.SizeBytes))
	return record, nil
}

// List returns catalog entries newest first.
func (s *BackupService) List(ctx context.Context, filter models.BackupFilter) ([]models.BackupRecord, error) {
	return s.repo.List(ctx, filter)
}

// GetRecord returns one catalog entry.
func (s *BackupService) GetRecord(ctx context.Context, id string) (*models.BackupRecord, error) {
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "backup not found")
		}
		return nil, err
	}
	return record, nil
}

// Get loads and decodes the stored document.
func (s *BackupService) Get(ctx context.Context, id string) (*models.BackupDocument, error) {
	download, err := s.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer download.Body.Close()

	data, err := io.ReadAll(download.Body)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", id, err)
	}
	return DecodeBackupDocument(data, s.cfg.SchemaVersion)
}

// Open returns a reader over the stored document.
func (s *BackupService) Open(ctx context.Context, id string) (*BackupDownload, error) {
	record, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	body, err := s.blobs.Get(ctx, record.DocumentRef)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "backup file missing")
		}
		return nil, fmt.Errorf("open backup %s: %w", id, err)
	}
	return &BackupDownload{Record: record, Filename: BackupFileName(record.Name) + ".json", Body: body}, nil
}

// Delete removes the catalog entry and then its file.
func (s *BackupService) Delete(ctx context.Context, id string) error {
	record, err := s.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "backup not found")
		}
		return err
	}
	if err := s.blobs.Delete(ctx, record.DocumentRef); err != nil {
		s.logger.Warn("backup file not removed", zap.String("backup_id", id), zap.String("key", record.DocumentRef), zap.Error(err))
	}
	s.invalidateStats(ctx)
	s.logger.Info("backup deleted", zap.String("backup_id", id))
	return nil
}

// GetDownloadURL issues a signed link for id.
func (s *BackupService) GetDownloadURL(ctx context.Context, id string) (*BackupDownloadLink, error) {
	if _, err := s.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	token, expiresAt, err := s.signer.Generate(id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download")
	}
	url := fmt.Sprintf("%s/backups/%s/download?token=%s", strings.TrimRight(s.cfg.APIPrefix, "/"), id, token)
	return &BackupDownloadLink{URL: url, ExpiresAt: expiresAt}, nil
}

// Download validates token against id and opens the document.
func (s *BackupService) Download(ctx context.Context, id, token string) (*BackupDownload, error) {
	tokenID, _, err := s.signer.Parse(token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	if tokenID != id {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "download token does not match backup")
	}
	return s.Open(ctx, id)
}

// PruneExpired deletes backups produced by scheduleID that are older than retentionDays.
func (s *BackupService) PruneExpired(ctx context.Context, scheduleID string, retentionDays int) (int, error) {
	if retentionDays <= 0 || scheduleID == "" {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	expired, err := s.repo.List(ctx, models.BackupFilter{ScheduleID: scheduleID, CreatedBefore: &cutoff, Limit: 500})
	if err != nil {
		return 0, err
	}
	var (
		removed int
		errs    error
	)
	for _, record := range expired {
		if err := s.Delete(ctx, record.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prune %s: %w", record.ID, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired backups pruned", zap.String("schedule_id", scheduleID), zap.Int("removed", removed), zap.Int("retention_days", retentionDays))
	}
	return removed, errs
}

// SystemStats reports live table sizes together with catalog and schedule
// state. The bool reports whether the answer came from the cache. Restores do
// not invalidate it, so row counts may lag by up to StatsTTL.
func (s *BackupService) SystemStats(ctx context.Context) (*models.SystemStats, bool, error) {
	var cache readThroughCache
	if s.cache != nil {
		cache = s.cache
	}
	return remember(ctx, cache, systemStatsCacheKey, s.cfg.StatsTTL, s.computeStats)
}

func (s *BackupService) computeStats(ctx context.Context) (*models.SystemStats, error) {
	stats := &models.SystemStats{
		TableCounts: make(map[models.BackupTable]int64, len(models.ForwardOrder)),
		GeneratedAt: s.now().UTC(),
	}

	if s.counter != nil {
		var mu sync.Mutex
		group, gctx := errgroup.WithContext(ctx)
		for _, table := range models.ForwardOrder {
			table := table
			group.Go(func() error {
				count, err := s.counter.Count(gctx, table)
				if err != nil {
					return err
				}
				mu.Lock()
				stats.TableCounts[table] = count
				mu.Unlock()
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		for _, count := range stats.TableCounts {
			stats.TotalRecords += count
		}
	}

	catalog, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats.BackupCount = catalog.Count
	stats.BackupBytes = catalog.TotalBytes
	stats.LatestBackupAt = catalog.LatestAt

	if s.schedules != nil {
		schedules, err := s.schedules.List(ctx)
		if err != nil {
			return nil, err
		}
		stats.ScheduleCount = len(schedules)
		for i := range schedules {
			sc := schedules[i]
			if !sc.Enabled {
				continue
			}
			if stats.NextScheduledAt == nil || sc.NextRunAt.Before(*stats.NextScheduledAt) {
				next := sc.NextRunAt
				stats.NextScheduledAt = &next
			}
		}
	}
	return stats, nil
}

func (s *BackupService) invalidateStats(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(context.WithoutCancel(ctx), systemStatsCacheKey); err != nil {
		s.logger.Warn("invalidate system stats cache", zap.Error(err))
	}
}

// BackupFileName turns a backup name into a safe file stem.
func BackupFileName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastDash = false
		case r == '.' || r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	stem := strings.Trim(b.String(), "-.")
	if stem == "" {
		return "backup"
	}
	return stem
}

func documentKey(id string) string {
	return id + ".json"
}

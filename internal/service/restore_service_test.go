package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/itam-admin-api/internal/models"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
)

func newTestRestoreService(tables TableStore, locks restoreLocker) *RestoreService {
	return NewRestoreService(tables, nil, locks, nil, nil, RestoreServiceConfig{})
}

func TestRestoreIsIdempotent(t *testing.T) {
	doc := scenarioDocument()

	once := newMemoryTables()
	_, err := newTestRestoreService(once, nil).Restore(context.Background(), doc, models.RestoreOptions{})
	require.NoError(t, err)

	twice := newMemoryTables()
	svc := newTestRestoreService(twice, nil)
	_, err = svc.Restore(context.Background(), doc, models.RestoreOptions{})
	require.NoError(t, err)
	_, err = svc.Restore(context.Background(), doc, models.RestoreOptions{})
	require.NoError(t, err)

	require.Equal(t, once.snapshot(), twice.snapshot())
	require.Len(t, twice.snapshot()[models.TableUsers], 1)
}

func TestRestoreClearExistingOrdering(t *testing.T) {
	tables := newMemoryTables()
	tables.seed(models.TableAssets, models.Row{"id": "stale"})
	svc := newTestRestoreService(tables, nil)

	result, err := svc.Restore(context.Background(), scenarioDocument(), models.RestoreOptions{ClearExisting: true})
	require.NoError(t, err)
	require.True(t, result.Completed)

	expected := make([]models.RestoreStep, 0, 14)
	for _, table := range models.ReverseOrder {
		expected = append(expected, models.RestoreStep{Phase: models.RestorePhaseClear, Table: table})
	}
	for _, table := range models.ForwardOrder {
		expected = append(expected, models.RestoreStep{Phase: models.RestorePhaseUpsert, Table: table, Rows: 1})
	}
	require.Equal(t, expected, tables.writes)

	indexOf := func(phase models.RestorePhase, table models.BackupTable) int {
		for i, w := range tables.writes {
			if w.Phase == phase && w.Table == table {
				return i
			}
		}
		return -1
	}
	require.Less(t, indexOf(models.RestorePhaseUpsert, models.TableDepartments), indexOf(models.RestorePhaseUpsert, models.TableAssets))
	require.Less(t, indexOf(models.RestorePhaseClear, models.TableAssets), indexOf(models.RestorePhaseClear, models.TableDepartments))

	assets := tables.snapshot()[models.TableAssets]
	require.Len(t, assets, 1)
	require.Equal(t, "a1", assets[0].ID())
	require.Len(t, result.Cleared, 7)
	require.Len(t, result.Restored, 7)
}

func TestRestoreSkipUsers(t *testing.T) {
	tables := newMemoryTables()
	svc := newTestRestoreService(tables, nil)

	result, err := svc.Restore(context.Background(), scenarioDocument(), models.RestoreOptions{ClearExisting: true, SkipUsers: true})
	require.NoError(t, err)
	require.Zero(t, tables.writesTo(models.TableUsers))
	require.Equal(t, []models.BackupTable{models.TableUsers}, result.Skipped)
	require.Equal(t, 2, tables.writesTo(models.TableAssets))
}

func TestRestoreSkipNotifications(t *testing.T) {
	tables := newMemoryTables()
	svc := newTestRestoreService(tables, nil)

	result, err := svc.Restore(context.Background(), scenarioDocument(), models.RestoreOptions{ClearExisting: true, SkipNotifications: true})
	require.NoError(t, err)
	require.Zero(t, tables.writesTo(models.TableNotifications))
	require.Zero(t, tables.writesTo(models.TableNotificationPreferences))
	require.Equal(t, []models.BackupTable{models.TableNotifications, models.TableNotificationPreferences}, result.Skipped)
	require.Equal(t, 2, tables.writesTo(models.TableUsers))
}

func TestRestoreStepFailureReportsPriorSuccesses(t *testing.T) {
	tables := newMemoryTables()
	tables.upsertErr[models.TableAssets] = errors.New("foreign key violation")
	svc := newTestRestoreService(tables, nil)

	result, err := svc.Restore(context.Background(), scenarioDocument(), models.RestoreOptions{})
	require.Error(t, err)

	var failure *RestoreStepFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, models.TableAssets, failure.Table)
	require.Equal(t, models.RestorePhaseUpsert, failure.Phase)
	require.Equal(t, []models.RestoreStep{
		{Phase: models.RestorePhaseUpsert, Table: models.TableDepartments, Rows: 1},
		{Phase: models.RestorePhaseUpsert, Table: models.TableUsers, Rows: 1},
	}, failure.PriorSuccesses)

	require.NotNil(t, result)
	require.False(t, result.Completed)
	require.Len(t, result.Restored, 2)
	require.Zero(t, tables.writesTo(models.TableIssues))
	require.Equal(t, appErrors.ErrRestoreStepFailed.Code, appErrors.FromError(err).Code)
}

func TestRestoreClearFailureStopsBeforeUpserts(t *testing.T) {
	tables := newMemoryTables()
	tables.deleteErr[models.TableUsers] = errors.New("timeout")
	svc := newTestRestoreService(tables, nil)

	_, err := svc.Restore(context.Background(), scenarioDocument(), models.RestoreOptions{ClearExisting: true})
	var failure *RestoreStepFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, models.RestorePhaseClear, failure.Phase)
	require.Len(t, failure.PriorSuccesses, 5)
	for _, w := range tables.writes {
		require.Equal(t, models.RestorePhaseClear, w.Phase)
	}
}

func TestUploadAndRestoreInvalidDocumentWritesNothing(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"timestamp":`,
		"missing timestamp": `{"version":"1.0","tables":{}}`,
		"bad timestamp":     `{"timestamp":"yesterday","tables":{}}`,
		"missing tables":    `{"timestamp":"2024-03-01T10:00:00Z"}`,
		"unknown table":     `{"timestamp":"2024-03-01T10:00:00Z","tables":{"invoices":[]}}`,
		"table not array":   `{"timestamp":"2024-03-01T10:00:00Z","tables":{"users":{}}}`,
		"row not object":    `{"timestamp":"2024-03-01T10:00:00Z","tables":{"users":["u1"]}}`,
		"row without id":    `{"timestamp":"2024-03-01T10:00:00Z","tables":{"users":[{"email":"a@b.c"}]}}`,
		"newer major":       `{"timestamp":"2024-03-01T10:00:00Z","version":"2.0","tables":{}}`,
		"garbage version":   `{"timestamp":"2024-03-01T10:00:00Z","version":"latest","tables":{}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			tables := newMemoryTables()
			svc := newTestRestoreService(tables, nil)

			result, err := svc.UploadAndRestore(context.Background(), RestoreUpload{Filename: "backup.json", Content: []byte(body)}, models.RestoreOptions{ClearExisting: true})
			require.Nil(t, result)
			var invalid *InvalidBackupFormatError
			require.ErrorAs(t, err, &invalid)
			require.Equal(t, appErrors.ErrInvalidBackup.Code, appErrors.FromError(err).Code)
			require.Empty(t, tables.writes)
		})
	}
}

func TestUploadAndRestoreMissingDepartmentStillWritesUsers(t *testing.T) {
	body := `{
		"timestamp": "2024-03-01T10:00:00Z",
		"version": "1.0",
		"tables": {
			"departments": [],
			"users": [{"id": "u1", "department_id": "d-missing", "email": "ops@example.com"}]
		}
	}`
	tables := newMemoryTables()
	svc := newTestRestoreService(tables, nil)

	result, err := svc.UploadAndRestore(context.Background(), RestoreUpload{Filename: "backup.json", Content: []byte(body)}, models.RestoreOptions{})
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, 1, tables.writesTo(models.TableUsers))
	users := tables.snapshot()[models.TableUsers]
	require.Len(t, users, 1)
	require.Equal(t, "d-missing", users[0]["department_id"])
}

func TestUploadAndRestoreAcceptsZipArchive(t *testing.T) {
	doc := scenarioDocument()
	filename, archive, err := PackageArchive(doc)
	require.NoError(t, err)

	tables := newMemoryTables()
	svc := newTestRestoreService(tables, nil)
	result, err := svc.UploadAndRestore(context.Background(), RestoreUpload{Filename: filename, Content: archive}, models.RestoreOptions{})
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.True(t, doc.Timestamp.Equal(result.BackupTimestamp))
	require.Len(t, tables.snapshot()[models.TableAssets], 1)
}

func TestUploadAndRestoreRejectsOversizedFile(t *testing.T) {
	tables := newMemoryTables()
	svc := NewRestoreService(tables, nil, nil, nil, nil, RestoreServiceConfig{MaxUploadBytes: 16})

	_, err := svc.UploadAndRestore(context.Background(), RestoreUpload{Filename: "b.json", Content: []byte(`{"timestamp":"2024-03-01T10:00:00Z","tables":{}}`)}, models.RestoreOptions{})
	require.Equal(t, appErrors.ErrPayloadTooLarge.Code, appErrors.FromError(err).Code)
	require.Empty(t, tables.writes)
}

func TestDecodeBackupDocumentVersions(t *testing.T) {
	older, err := DecodeBackupDocument([]byte(`{"timestamp":"2024-03-01T10:00:00Z","version":"0.9","tables":{"users":[{"id":1}]}}`), "1.0")
	require.NoError(t, err)
	require.Equal(t, "0.9", older.Version)
	require.Equal(t, json.Number("1"), older.Tables.Users[0]["id"])
	require.Equal(t, 1, older.Metadata.TotalUsers)

	missing, err := DecodeBackupDocument([]byte(`{"timestamp":"2024-03-01T10:00:00Z","tables":{}}`), "1.0")
	require.NoError(t, err)
	require.Empty(t, missing.Version)
	require.NotNil(t, missing.Tables.Issues)

	minor, err := DecodeBackupDocument([]byte(`{"timestamp":"2024-03-01T10:00:00Z","version":"1.4","tables":{}}`), "1.0")
	require.NoError(t, err)
	require.Equal(t, "1.4", minor.Version)
}

func TestRestoreRejectsConcurrentRun(t *testing.T) {
	locks := newStubLocker()
	_, err := locks.Acquire(context.Background(), restoreLockName, 0)
	require.NoError(t, err)

	tables := newMemoryTables()
	svc := newTestRestoreService(tables, locks)
	_, err = svc.Restore(context.Background(), scenarioDocument(), models.RestoreOptions{})
	require.Equal(t, appErrors.ErrRestoreInProgress.Code, appErrors.FromError(err).Code)
	require.Empty(t, tables.writes)

	svc.running.Store(true)
	_, err = svc.Restore(context.Background(), scenarioDocument(), models.RestoreOptions{})
	require.ErrorIs(t, err, appErrors.ErrRestoreInProgress)
}

func TestRestoreReleasesLockAndProceedsWhenLockStoreIsDown(t *testing.T) {
	locks := newStubLocker()
	svc := newTestRestoreService(newMemoryTables(), locks)

	_, err := svc.Restore(context.Background(), scenarioDocument(), models.RestoreOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{restoreLockName}, locks.released)
	require.False(t, svc.running.Load())

	locks.acquireErr = errors.New("redis: connection refused")
	_, err = svc.Restore(context.Background(), scenarioDocument(), models.RestoreOptions{})
	require.NoError(t, err)
}

func TestRestoreFromCatalogWithoutCatalog(t *testing.T) {
	svc := newTestRestoreService(newMemoryTables(), nil)
	_, err := svc.RestoreFromCatalog(context.Background(), "b1", models.RestoreOptions{})
	require.ErrorIs(t, err, appErrors.ErrServiceUnavailable)
}

func TestRestoreStepTimeoutStopsPipeline(t *testing.T) {
	tables := &stallingTables{memoryTables: newMemoryTables(), stall: models.TableAssets}
	svc := NewRestoreService(tables, nil, nil, nil, nil, RestoreServiceConfig{StepTimeout: 50 * time.Millisecond})

	// the caller giving up does not abort the restore
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.Restore(ctx, scenarioDocument(), models.RestoreOptions{})
	var failure *RestoreStepFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, models.RestorePhaseUpsert, failure.Phase)
	require.Equal(t, models.TableAssets, failure.Table)
	require.ErrorIs(t, failure.Err, context.DeadlineExceeded)
	require.Equal(t, []models.RestoreStep{
		{Phase: models.RestorePhaseUpsert, Table: models.TableDepartments, Rows: 1},
		{Phase: models.RestorePhaseUpsert, Table: models.TableUsers, Rows: 1},
	}, failure.PriorSuccesses)

	require.NotNil(t, result)
	require.False(t, result.Completed)
	require.Len(t, result.Restored, 2)
	require.Zero(t, tables.writesTo(models.TableIssues))
}

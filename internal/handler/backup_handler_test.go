package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/itam-admin-api/internal/dto"
	"github.com/noah-isme/itam-admin-api/internal/middleware"
	"github.com/noah-isme/itam-admin-api/internal/models"
	"github.com/noah-isme/itam-admin-api/internal/service"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
)

type backupCatalogMock struct {
	records     []models.BackupRecord
	filter      models.BackupFilter
	record      *models.BackupRecord
	err         error
	link        *service.BackupDownloadLink
	download    *service.BackupDownload
	downloadErr error
	deleted     string
	stats       *models.SystemStats
	statsHit    bool
}

func (m *backupCatalogMock) List(ctx context.Context, filter models.BackupFilter) ([]models.BackupRecord, error) {
	m.filter = filter
	return m.records, m.err
}

func (m *backupCatalogMock) GetRecord(ctx context.Context, id string) (*models.BackupRecord, error) {
	return m.record, m.err
}

func (m *backupCatalogMock) GetDownloadURL(ctx context.Context, id string) (*service.BackupDownloadLink, error) {
	return m.link, nil
}

func (m *backupCatalogMock) Download(ctx context.Context, id, token string) (*service.BackupDownload, error) {
	return m.download, m.downloadErr
}

func (m *backupCatalogMock) Delete(ctx context.Context, id string) error {
	m.deleted = id
	return m.err
}

func (m *backupCatalogMock) SystemStats(ctx context.Context) (*models.SystemStats, bool, error) {
	return m.stats, m.statsHit, m.err
}

type backupCreatorMock struct {
	req    dto.CreateBackupRequest
	actor  *models.JWTClaims
	record *models.BackupRecord
	err    error
}

func (m *backupCreatorMock) CreateBackup(ctx context.Context, req dto.CreateBackupRequest, actor *models.JWTClaims) (*models.BackupRecord, error) {
	m.req = req
	m.actor = actor
	return m.record, m.err
}

type backupRestorerMock struct {
	id     string
	upload service.RestoreUpload
	opts   models.RestoreOptions
	result *models.RestoreResult
	err    error
}

func (m *backupRestorerMock) RestoreFromCatalog(ctx context.Context, id string, opts models.RestoreOptions) (*models.RestoreResult, error) {
	m.id = id
	m.opts = opts
	return m.result, m.err
}

func (m *backupRestorerMock) UploadAndRestore(ctx context.Context, upload service.RestoreUpload, opts models.RestoreOptions) (*models.RestoreResult, error) {
	m.upload = upload
	m.opts = opts
	return m.result, m.err
}

type envelope struct {
	Data  json.RawMessage        `json:"data"`
	Error *appErrors.Error       `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func asAdmin(c *gin.Context) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestBackupHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	creator := &backupCreatorMock{record: &models.BackupRecord{ID: "b1", Name: "Nightly"}}
	handler := NewBackupHandler(&backupCatalogMock{}, creator, &backupRestorerMock{}, 0)

	payload, _ := json.Marshal(dto.CreateBackupRequest{Name: "Nightly", Notify: true})
	c, w := newGinContext(http.MethodPost, "/backups", payload)
	asAdmin(c)

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "Nightly", creator.req.Name)
	require.True(t, creator.req.Notify)
	require.Equal(t, "admin", creator.actor.UserID)
	require.Equal(t, "b1", c.GetString(middleware.ContextResourceIDKey))
}

func TestBackupHandlerCreateWithoutBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	creator := &backupCreatorMock{record: &models.BackupRecord{ID: "b1"}}
	handler := NewBackupHandler(&backupCatalogMock{}, creator, &backupRestorerMock{}, 0)

	c, w := newGinContext(http.MethodPost, "/backups", nil)
	asAdmin(c)

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Empty(t, creator.req.Name)
}

func TestBackupHandlerCreateRequiresUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewBackupHandler(&backupCatalogMock{}, &backupCreatorMock{}, &backupRestorerMock{}, 0)

	c, w := newGinContext(http.MethodPost, "/backups", nil)
	handler.Create(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBackupHandlerCreateSnapshotFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	creator := &backupCreatorMock{err: &service.SnapshotError{Failures: []service.TableFailure{{Table: models.TableUsers}}}}
	handler := NewBackupHandler(&backupCatalogMock{}, creator, &backupRestorerMock{}, 0)

	c, w := newGinContext(http.MethodPost, "/backups", nil)
	asAdmin(c)

	handler.Create(c)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, appErrors.ErrSnapshotFailed.Code, decodeEnvelope(t, w).Error.Code)
}

func TestBackupHandlerList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := &backupCatalogMock{records: []models.BackupRecord{{ID: "b1"}, {ID: "b2"}}}
	handler := NewBackupHandler(catalog, &backupCreatorMock{}, &backupRestorerMock{}, 0)

	c, w := newGinContext(http.MethodGet, "/backups?scheduleId=s1&limit=10", nil)
	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "s1", catalog.filter.ScheduleID)
	require.Equal(t, 10, catalog.filter.Limit)

	c, w = newGinContext(http.MethodGet, "/backups?limit=9999", nil)
	handler.List(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBackupHandlerGetIncludesSignedLink(t *testing.T) {
	gin.SetMode(gin.TestMode)
	expires := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	catalog := &backupCatalogMock{
		record: &models.BackupRecord{ID: "b1", Name: "Nightly"},
		link:   &service.BackupDownloadLink{URL: "/api/v1/backups/b1/download?token=t", ExpiresAt: expires},
	}
	handler := NewBackupHandler(catalog, &backupCreatorMock{}, &backupRestorerMock{}, 0)

	c, w := newGinContext(http.MethodGet, "/backups/b1", nil)
	c.Params = gin.Params{{Key: "id", Value: "b1"}}
	handler.Get(c)
	require.Equal(t, http.StatusOK, w.Code)

	var detail dto.BackupDetailResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &detail))
	require.Equal(t, "b1", detail.ID)
	require.Equal(t, "/api/v1/backups/b1/download?token=t", detail.DownloadURL)
	require.True(t, expires.Equal(detail.ExpiresAt))
}

func TestBackupHandlerGetNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := &backupCatalogMock{err: appErrors.Clone(appErrors.ErrNotFound, "backup not found")}
	handler := NewBackupHandler(catalog, &backupCreatorMock{}, &backupRestorerMock{}, 0)

	c, w := newGinContext(http.MethodGet, "/backups/missing", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	handler.Get(c)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBackupHandlerDownload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	content := `{"timestamp":"2024-03-01T10:00:00Z"}`
	catalog := &backupCatalogMock{download: &service.BackupDownload{
		Record:   &models.BackupRecord{ID: "b1", SizeBytes: int64(len(content))},
		Filename: "nightly.json",
		Body:     io.NopCloser(strings.NewReader(content)),
	}}
	handler := NewBackupHandler(catalog, &backupCreatorMock{}, &backupRestorerMock{}, 0)

	c, w := newGinContext(http.MethodGet, "/backups/b1/download", nil)
	c.Params = gin.Params{{Key: "id", Value: "b1"}}
	handler.Download(c)
	require.Equal(t, http.StatusBadRequest, w.Code)

	c, w = newGinContext(http.MethodGet, "/backups/b1/download?token=abc", nil)
	c.Params = gin.Params{{Key: "id", Value: "b1"}}
	handler.Download(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, `attachment; filename="nightly.json"`, w.Header().Get("Content-Disposition"))
	require.Equal(t, content, w.Body.String())
}

func TestBackupHandlerDownloadForbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := &backupCatalogMock{downloadErr: appErrors.Clone(appErrors.ErrForbidden, "invalid download token")}
	handler := NewBackupHandler(catalog, &backupCreatorMock{}, &backupRestorerMock{}, 0)

	c, w := newGinContext(http.MethodGet, "/backups/b1/download?token=forged", nil)
	c.Params = gin.Params{{Key: "id", Value: "b1"}}
	handler.Download(c)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestBackupHandlerDelete(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := &backupCatalogMock{}
	handler := NewBackupHandler(catalog, &backupCreatorMock{}, &backupRestorerMock{}, 0)

	c, w := newGinContext(http.MethodDelete, "/backups/b1", nil)
	c.Params = gin.Params{{Key: "id", Value: "b1"}}
	handler.Delete(c)
	require.Equal(t, http.StatusNoContent, c.Writer.Status())
	require.Equal(t, "b1", catalog.deleted)
	require.Empty(t, w.Body.String())
}

func TestBackupHandlerRestorePassesOptions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	restorer := &backupRestorerMock{result: &models.RestoreResult{Completed: true}}
	handler := NewBackupHandler(&backupCatalogMock{}, &backupCreatorMock{}, restorer, 0)

	payload := []byte(`{"clearExisting":true,"skipUsers":true}`)
	c, w := newGinContext(http.MethodPost, "/backups/b1/restore", payload)
	c.Params = gin.Params{{Key: "id", Value: "b1"}}
	handler.Restore(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "b1", restorer.id)
	require.Equal(t, models.RestoreOptions{ClearExisting: true, SkipUsers: true}, restorer.opts)
}

func TestBackupHandlerRestorePartialResult(t *testing.T) {
	gin.SetMode(gin.TestMode)
	partial := &models.RestoreResult{
		Restored: []models.RestoreStep{
			{Phase: models.RestorePhaseUpsert, Table: models.TableDepartments, Rows: 1},
			{Phase: models.RestorePhaseUpsert, Table: models.TableUsers, Rows: 1},
		},
	}
	failure := &service.RestoreStepFailure{
		Phase:          models.RestorePhaseUpsert,
		Table:          models.TableAssets,
		PriorSuccesses: []models.RestoreStep{partial.Restored[0], partial.Restored[1]},
		Err:            context.DeadlineExceeded,
	}
	restorer := &backupRestorerMock{result: partial, err: failure}
	handler := NewBackupHandler(&backupCatalogMock{}, &backupCreatorMock{}, restorer, 0)

	c, w := newGinContext(http.MethodPost, "/backups/b1/restore", nil)
	c.Params = gin.Params{{Key: "id", Value: "b1"}}
	handler.Restore(c)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	env := decodeEnvelope(t, w)
	require.Equal(t, appErrors.ErrRestoreStepFailed.Code, env.Error.Code)
	var got models.RestoreResult
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Len(t, got.Restored, 2)
	require.False(t, got.Completed)
}

func TestBackupHandlerRestoreInProgress(t *testing.T) {
	gin.SetMode(gin.TestMode)
	restorer := &backupRestorerMock{err: appErrors.ErrRestoreInProgress}
	handler := NewBackupHandler(&backupCatalogMock{}, &backupCreatorMock{}, restorer, 0)

	c, w := newGinContext(http.MethodPost, "/backups/b1/restore", nil)
	c.Params = gin.Params{{Key: "id", Value: "b1"}}
	handler.Restore(c)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestBackupHandlerUploadRestore(t *testing.T) {
	gin.SetMode(gin.TestMode)
	restorer := &backupRestorerMock{result: &models.RestoreResult{Completed: true}}
	handler := NewBackupHandler(&backupCatalogMock{}, &backupCreatorMock{}, restorer, 1024)

	content := []byte(`{"timestamp":"2024-03-01T10:00:00Z","tables":{}}`)
	body, contentType := multipartUpload(t, "nightly.json", content, map[string]string{"skipNotifications": "true"})
	c, w := newGinContext(http.MethodPost, "/backups/restore/upload", body.Bytes())
	c.Request.Header.Set("Content-Type", contentType)

	handler.UploadRestore(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "nightly.json", restorer.upload.Filename)
	require.Equal(t, content, restorer.upload.Content)
	require.Equal(t, models.RestoreOptions{SkipNotifications: true}, restorer.opts)
}

func TestBackupHandlerUploadRestoreRejections(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("missing file", func(t *testing.T) {
		handler := NewBackupHandler(&backupCatalogMock{}, &backupCreatorMock{}, &backupRestorerMock{}, 1024)
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		require.NoError(t, writer.WriteField("clearExisting", "true"))
		require.NoError(t, writer.Close())
		c, w := newGinContext(http.MethodPost, "/backups/restore/upload", body.Bytes())
		c.Request.Header.Set("Content-Type", writer.FormDataContentType())

		handler.UploadRestore(c)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("oversize file", func(t *testing.T) {
		restorer := &backupRestorerMock{}
		handler := NewBackupHandler(&backupCatalogMock{}, &backupCreatorMock{}, restorer, 16)
		body, contentType := multipartUpload(t, "big.json", bytes.Repeat([]byte("x"), 64), nil)
		c, w := newGinContext(http.MethodPost, "/backups/restore/upload", body.Bytes())
		c.Request.Header.Set("Content-Type", contentType)

		handler.UploadRestore(c)
		require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		require.Nil(t, restorer.upload.Content)
	})

	t.Run("invalid document", func(t *testing.T) {
		restorer := &backupRestorerMock{err: &service.InvalidBackupFormatError{Reason: "missing tables"}}
		handler := NewBackupHandler(&backupCatalogMock{}, &backupCreatorMock{}, restorer, 1024)
		body, contentType := multipartUpload(t, "bad.json", []byte(`{}`), nil)
		c, w := newGinContext(http.MethodPost, "/backups/restore/upload", body.Bytes())
		c.Request.Header.Set("Content-Type", contentType)

		handler.UploadRestore(c)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, appErrors.ErrInvalidBackup.Code, decodeEnvelope(t, w).Error.Code)
	})
}

func TestBackupHandlerSystemStats(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := &backupCatalogMock{stats: &models.SystemStats{TotalRecords: 42, BackupCount: 3}, statsHit: true}
	handler := NewBackupHandler(catalog, &backupCreatorMock{}, &backupRestorerMock{}, 0)

	c, w := newGinContext(http.MethodGet, "/system/stats", nil)
	handler.SystemStats(c)
	require.Equal(t, http.StatusOK, w.Code)

	var stats models.SystemStats
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &stats))
	require.Equal(t, int64(42), stats.TotalRecords)
	require.Equal(t, true, decodeEnvelope(t, w).Meta["cache_hit"])
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/itam-admin-api/internal/dto"
	"github.com/noah-isme/itam-admin-api/internal/middleware"
	"github.com/noah-isme/itam-admin-api/internal/models"
	"github.com/noah-isme/itam-admin-api/internal/service"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
	"github.com/noah-isme/itam-admin-api/pkg/response"
)

// multipart envelope allowance on top of the document limit
const uploadOverheadBytes = 1 << 20

type backupCatalog interface {
	List(ctx context.Context, filter models.BackupFilter) ([]models.BackupRecord, error)
	GetRecord(ctx context.Context, id string) (*models.BackupRecord, error)
	GetDownloadURL(ctx context.Context, id string) (*service.BackupDownloadLink, error)
	Download(ctx context.Context, id, token string) (*service.BackupDownload, error)
	Delete(ctx context.Context, id string) error
	SystemStats(ctx context.Context) (*models.SystemStats, bool, error)
}

type backupCreator interface {
	CreateBackup(ctx context.Context, req dto.CreateBackupRequest, actor *models.JWTClaims) (*models.BackupRecord, error)
}

type backupRestorer interface {
	RestoreFromCatalog(ctx context.Context, id string, opts models.RestoreOptions) (*models.RestoreResult, error)
	UploadAndRestore(ctx context.Context, upload service.RestoreUpload, opts models.RestoreOptions) (*models.RestoreResult, error)
}

// BackupHandler exposes the backup catalog, manual backups and restores.
type BackupHandler struct {
	catalog        backupCatalog
	creator        backupCreator
	restorer       backupRestorer
	maxUploadBytes int64
}

// NewBackupHandler constructs the handler. maxUploadBytes bounds restore uploads.
func NewBackupHandler(catalog backupCatalog, creator backupCreator, restorer backupRestorer, maxUploadBytes int64) *BackupHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	return &BackupHandler{catalog: catalog, creator: creator, restorer: restorer, maxUploadBytes: maxUploadBytes}
}

// Create godoc
// @Summary Take a backup of every table
// @Tags Backups
// @Accept json
// @Produce json
// @Param payload body dto.CreateBackupRequest false "Backup label"
// @Success 201 {object} response.Envelope
// @Failure 500 {object} response.Envelope
// @Router /backups [post]
func (h *BackupHandler) Create(c *gin.Context) {
	claims, ok := requireActor(c)
	if !ok {
		return
	}
	var req dto.CreateBackupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid backup payload"))
			return
		}
	}
	record, err := h.creator.CreateBackup(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	recordResource(c, record.ID)
	response.Created(c, record)
}

// List godoc
// @Summary List stored backups
// @Tags Backups
// @Produce json
// @Param scheduleId query string false "Only backups produced by this schedule"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /backups [get]
func (h *BackupHandler) List(c *gin.Context) {
	var query dto.ListBackupsQuery
	if err := c.ShouldBindQuery(&query); err != nil || query.Limit < 0 || query.Limit > 500 || query.Offset < 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	records, err := h.catalog.List(c.Request.Context(), models.BackupFilter{
		ScheduleID: strings.TrimSpace(query.ScheduleID),
		Limit:      query.Limit,
		Offset:     query.Offset,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, nil)
}

// Get godoc
// @Summary Get backup metadata and a signed download link
// @Tags Backups
// @Produce json
// @Param id path string true "Backup ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /backups/{id} [get]
func (h *BackupHandler) Get(c *gin.Context) {
	record, err := h.catalog.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	link, err := h.catalog.GetDownloadURL(c.Request.Context(), record.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.BackupDetailResponse{
		BackupRecord: *record,
		DownloadURL:  link.URL,
		ExpiresAt:    link.ExpiresAt,
	}, nil)
}

// Download godoc
// @Summary Download a backup document via signed token
// @Tags Backups
// @Produce octet-stream
// @Param id path string true "Backup ID"
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Failure 403 {object} response.Envelope
// @Router /backups/{id}/download [get]
func (h *BackupHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if strings.TrimSpace(token) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.catalog.Download(c.Request.Context(), c.Param("id"), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.Body.Close() //nolint:errcheck
	size := int64(-1)
	if result.Record != nil && result.Record.SizeBytes > 0 {
		size = result.Record.SizeBytes
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, size, "application/json", result.Body, nil)
}

// Delete godoc
// @Summary Delete a backup and its file
// @Tags Backups
// @Param id path string true "Backup ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /backups/{id} [delete]
func (h *BackupHandler) Delete(c *gin.Context) {
	if err := h.catalog.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Restore godoc
// @Summary Restore a stored backup
// @Description Clears (optionally) and re-applies every table. A failed step returns the partial result in data.
// @Tags Backups
// @Accept json
// @Produce json
// @Param id path string true "Backup ID"
// @Param payload body dto.RestoreRequest false "Restore options"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 500 {object} response.Envelope
// @Router /backups/{id}/restore [post]
func (h *BackupHandler) Restore(c *gin.Context) {
	var req dto.RestoreRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid restore options"))
			return
		}
	}
	result, err := h.restorer.RestoreFromCatalog(c.Request.Context(), c.Param("id"), req.Options())
	h.respondRestore(c, result, err)
}

// UploadRestore godoc
// @Summary Restore from an uploaded backup file
// @Description Accepts the JSON document or the zip archive sent by email.
// @Tags Backups
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Backup file (.json or .zip)"
// @Param clearExisting formData bool false "Delete existing rows first"
// @Param skipUsers formData bool false "Leave users untouched"
// @Param skipNotifications formData bool false "Leave notifications untouched"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 413 {object} response.Envelope
// @Router /backups/restore/upload [post]
func (h *BackupHandler) UploadRestore(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+uploadOverheadBytes)
	var req dto.RestoreRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, uploadError(err, "invalid restore options"))
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, uploadError(err, "file is required"))
		return
	}
	if fileHeader.Size > h.maxUploadBytes {
		response.Error(c, appErrors.Clone(appErrors.ErrPayloadTooLarge, fmt.Sprintf("backup file exceeds %d bytes", h.maxUploadBytes)))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	content, err := io.ReadAll(src)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to buffer file"))
		return
	}
	result, err := h.restorer.UploadAndRestore(c.Request.Context(), service.RestoreUpload{
		Filename: fileHeader.Filename,
		Content:  content,
	}, req.Options())
	h.respondRestore(c, result, err)
}

// SystemStats godoc
// @Summary Row counts, catalog size and next scheduled run
// @Tags Backups
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /system/stats [get]
func (h *BackupHandler) SystemStats(c *gin.Context) {
	stats, cacheHit, err := h.catalog.SystemStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	meta := middleware.ExtractMeta(c)
	response.JSON(c, http.StatusOK, stats, nil, meta)
}

func (h *BackupHandler) respondRestore(c *gin.Context, result *models.RestoreResult, err error) {
	if err != nil {
		if result != nil {
			response.ErrorWithData(c, err, result)
			return
		}
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

func uploadError(err error, message string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return appErrors.Clone(appErrors.ErrPayloadTooLarge, "upload exceeds the allowed size")
	}
	return appErrors.Clone(appErrors.ErrValidation, message)
}

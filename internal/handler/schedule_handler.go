package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/itam-admin-api/internal/dto"
	"github.com/noah-isme/itam-admin-api/internal/models"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
	"github.com/noah-isme/itam-admin-api/pkg/response"
)

type backupScheduler interface {
	CreateSchedule(ctx context.Context, req dto.CreateBackupScheduleRequest, actor *models.JWTClaims) (*models.BackupSchedule, error)
	ListSchedules(ctx context.Context) ([]models.BackupSchedule, error)
	SetEnabled(ctx context.Context, id string, req dto.UpdateBackupScheduleRequest) (*models.BackupSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	RunNow(ctx context.Context, id string) (*models.BackupSchedule, error)
}

// ScheduleHandler manages recurring backup endpoints.
type ScheduleHandler struct {
	service backupScheduler
}

// NewScheduleHandler constructs handler.
func NewScheduleHandler(svc backupScheduler) *ScheduleHandler {
	return &ScheduleHandler{service: svc}
}

// Create godoc
// @Summary Schedule a recurring backup
// @Tags Backup Schedules
// @Accept json
// @Produce json
// @Param payload body dto.CreateBackupScheduleRequest true "Schedule"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /backup-schedules [post]
func (h *ScheduleHandler) Create(c *gin.Context) {
	claims, ok := requireActor(c)
	if !ok {
		return
	}
	var req dto.CreateBackupScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid schedule payload"))
		return
	}
	schedule, err := h.service.CreateSchedule(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	recordResource(c, schedule.ID)
	response.Created(c, schedule)
}

// List godoc
// @Summary List backup schedules
// @Tags Backup Schedules
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /backup-schedules [get]
func (h *ScheduleHandler) List(c *gin.Context) {
	schedules, err := h.service.ListSchedules(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, schedules, nil)
}

// Update godoc
// @Summary Enable or disable a schedule
// @Tags Backup Schedules
// @Accept json
// @Produce json
// @Param id path string true "Schedule ID"
// @Param payload body dto.UpdateBackupScheduleRequest true "Enabled flag"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /backup-schedules/{id} [patch]
func (h *ScheduleHandler) Update(c *gin.Context) {
	var req dto.UpdateBackupScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid schedule payload"))
		return
	}
	schedule, err := h.service.SetEnabled(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, schedule, nil)
}

// Delete godoc
// @Summary Delete a schedule
// @Tags Backup Schedules
// @Param id path string true "Schedule ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /backup-schedules/{id} [delete]
func (h *ScheduleHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteSchedule(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Run godoc
// @Summary Run a schedule now
// @Tags Backup Schedules
// @Produce json
// @Param id path string true "Schedule ID"
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /backup-schedules/{id}/run [post]
func (h *ScheduleHandler) Run(c *gin.Context) {
	schedule, err := h.service.RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, schedule)
}

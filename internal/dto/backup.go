package dto

import (
	"time"

	"github.com/noah-isme/itam-admin-api/internal/models"
)

// CreateBackupRequest starts a manual snapshot. Name defaults to "Backup - <timestamp>".
type CreateBackupRequest struct {
	Name        string `json:"name" validate:"omitempty,max=200"`
	Description string `json:"description" validate:"omitempty,max=2000"`
	Notify      bool   `json:"notify"`
}

// BackupDetailResponse is a catalog entry plus a signed download link.
type BackupDetailResponse struct {
	models.BackupRecord
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"downloadExpiresAt"`
}

// RestoreRequest carries restore options for a catalog restore.
type RestoreRequest struct {
	ClearExisting     bool `json:"clearExisting" form:"clearExisting"`
	SkipUsers         bool `json:"skipUsers" form:"skipUsers"`
	SkipNotifications bool `json:"skipNotifications" form:"skipNotifications"`
}

// Options converts the request into restore options.
func (r RestoreRequest) Options() models.RestoreOptions {
	return models.RestoreOptions{
		ClearExisting:     r.ClearExisting,
		SkipUsers:         r.SkipUsers,
		SkipNotifications: r.SkipNotifications,
	}
}

// ListBackupsQuery filters the catalog listing.
type ListBackupsQuery struct {
	ScheduleID string `form:"scheduleId"`
	Limit      int    `form:"limit" validate:"omitempty,min=1,max=500"`
	Offset     int    `form:"offset" validate:"omitempty,min=0"`
}

// CreateBackupScheduleRequest registers a recurring backup.
type CreateBackupScheduleRequest struct {
	Name          string `json:"name" validate:"required,max=200"`
	Frequency     string `json:"frequency" validate:"required,frequency"`
	TimeOfDay     string `json:"timeOfDay" validate:"required,timeofday"`
	RetentionDays int    `json:"retentionDays" validate:"omitempty,min=1,max=3650"`
	Notify        bool   `json:"notify"`
	Enabled       *bool  `json:"enabled"`
}

// UpdateBackupScheduleRequest toggles a schedule.
type UpdateBackupScheduleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/itam-admin-api/internal/models"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
)

// Internal guard conditions of the schedule manager. They are logged, never returned to callers.
var (
	errScheduleNotDue   = errors.New("backup schedule not due")
	errScheduleConflict = errors.New("backup schedule changed during run")
	errScheduleRunning  = errors.New("backup schedule already running")
)

// TableFailure describes one table that could not be read.
type TableFailure struct {
	Table  models.BackupTable `json:"table"`
	Reason string             `json:"reason"`
	Err    error              `json:"-"`
}

// SnapshotError lists every table read that failed. No document is produced.
type SnapshotError struct {
	Failures []TableFailure
}

func (e *SnapshotError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Table, f.Reason))
	}
	return "snapshot failed: " + strings.Join(parts, "; ")
}

// Tables returns the failed tables in dependency order.
func (e *SnapshotError) Tables() []models.BackupTable {
	out := make([]models.BackupTable, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Table)
	}
	return out
}

func (e *SnapshotError) AppError() *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrSnapshotFailed, map[string]interface{}{"failures": e.Failures})
}

// InvalidBackupFormatError rejects a document before any write happens.
type InvalidBackupFormatError struct {
	Reason string
	Err    error
}

func invalidFormat(reason string, err error) *InvalidBackupFormatError {
	return &InvalidBackupFormatError{Reason: reason, Err: err}
}

func (e *InvalidBackupFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid backup format: %s: %v", e.Reason, e.Err)
	}
	return "invalid backup format: " + e.Reason
}

func (e *InvalidBackupFormatError) Unwrap() error { return e.Err }

func (e *InvalidBackupFormatError) AppError() *appErrors.Error {
	return appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidBackup, "invalid backup format: "+e.Reason), map[string]string{"reason": e.Reason})
}

// RestoreStepFailure reports the step that stopped a restore and every step completed before it.
type RestoreStepFailure struct {
	Phase          models.RestorePhase
	Table          models.BackupTable
	PriorSuccesses []models.RestoreStep
	Err            error
}

func (e *RestoreStepFailure) Error() string {
	return fmt.Sprintf("restore %s step for %s failed after %d completed steps: %v", e.Phase, e.Table, len(e.PriorSuccesses), e.Err)
}

func (e *RestoreStepFailure) Unwrap() error { return e.Err }

func (e *RestoreStepFailure) AppError() *appErrors.Error {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return appErrors.WithDetails(appErrors.ErrRestoreStepFailed, map[string]interface{}{
		"phase":          e.Phase,
		"table":          e.Table,
		"priorSuccesses": e.PriorSuccesses,
		"cause":          cause,
	})
}

// DeliveryFailure is one recipient the archive could not be sent to.
type DeliveryFailure struct {
	Recipient string
	Err       error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver backup to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

func (e *DeliveryFailure) AppError() *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrDeliveryFailed, map[string]string{"recipient": e.Recipient})
}

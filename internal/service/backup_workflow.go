package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/itam-admin-api/internal/dto"
	"github.com/noah-isme/itam-admin-api/internal/models"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
	"github.com/noah-isme/itam-admin-api/pkg/jobs"
)

// BackupWorkflow runs an operator-requested backup: snapshot, store, then
// optionally queue the email delivery.
type BackupWorkflow struct {
	snapshots  snapshotCreator
	catalog    backupStorer
	dispatcher jobDispatcher
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewBackupWorkflow constructs the workflow. dispatcher may be nil.
func NewBackupWorkflow(snapshots snapshotCreator, catalog backupStorer, dispatcher jobDispatcher, validate *validator.Validate, logger *zap.Logger) *BackupWorkflow {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackupWorkflow{snapshots: snapshots, catalog: catalog, dispatcher: dispatcher, validator: validate, logger: logger}
}

// CreateBackup snapshots every table and stores the document. A queued
// delivery never affects the returned record.
func (w *BackupWorkflow) CreateBackup(ctx context.Context, req dto.CreateBackupRequest, actor *models.JWTClaims) (*models.BackupRecord, error) {
	if err := w.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	doc, err := w.snapshots.CreateSnapshot(ctx, req.Name, req.Description)
	if err != nil {
		return nil, err
	}
	createdBy := SchedulerActor
	if actor != nil {
		createdBy = actor.UserID
	}
	record, err := w.catalog.Store(ctx, doc, createdBy, nil)
	if err != nil {
		return nil, err
	}
	if req.Notify {
		enqueueDelivery(w.dispatcher, w.logger, record, doc)
	}
	return record, nil
}

func enqueueDelivery(dispatcher jobDispatcher, logger *zap.Logger, record *models.BackupRecord, doc *models.BackupDocument) {
	if dispatcher == nil {
		logger.Warn("backup delivery requested but no delivery queue is configured", zap.String("backup_id", record.ID))
		return
	}
	err := dispatcher.Enqueue(jobs.Job{
		ID:      record.ID,
		Type:    DeliveryJobType,
		Payload: DeliveryJobPayload{BackupID: record.ID, Document: doc},
	})
	if err != nil {
		logger.Warn("enqueue backup delivery", zap.String("backup_id", record.ID), zap.Error(err))
	}
}

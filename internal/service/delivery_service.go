package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/noah-isme/itam-admin-api/internal/models"
	"github.com/noah-isme/itam-admin-api/pkg/jobs"
	"github.com/noah-isme/itam-admin-api/pkg/mailer"
)

// DeliveryJobType tags queue jobs that email a backup archive.
const DeliveryJobType = "backup_delivery"

type recipientLister interface {
	ListActiveByRoles(ctx context.Context, roles []models.UserRole) ([]models.User, error)
}

// DeliveryJobPayload is carried by delivery jobs on the queue.
type DeliveryJobPayload struct {
	BackupID string
	Document *models.BackupDocument
}

// DeliveryServiceConfig holds delivery tunables.
type DeliveryServiceConfig struct {
	SendTimeout time.Duration
}

// DeliveryService emails compressed backups to elevated users. Delivery is
// best effort: failures are reported but never touch the stored backup.
type DeliveryService struct {
	users   recipientLister
	mail    mailer.Sender
	metrics *MetricsService
	logger  *zap.Logger
	cfg     DeliveryServiceConfig
}

// NewDeliveryService constructs the service. mail may be nil when SMTP is not configured.
func NewDeliveryService(users recipientLister, mail mailer.Sender, metrics *MetricsService, logger *zap.Logger, cfg DeliveryServiceConfig) *DeliveryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Minute
	}
	return &DeliveryService{users: users, mail: mail, metrics: metrics, logger: logger, cfg: cfg}
}

// Enabled reports whether a mail transport is configured.
func (s *DeliveryService) Enabled() bool {
	return s != nil && s.mail != nil
}

// Recipients returns the unique email addresses of active admins and department officers.
func (s *DeliveryService) Recipients(ctx context.Context) ([]string, error) {
	users, err := s.users.ListActiveByRoles(ctx, models.ElevatedRoles)
	if err != nil {
		return nil, fmt.Errorf("resolve backup recipients: %w", err)
	}
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		email := strings.ToLower(strings.TrimSpace(u.Email))
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out, nil
}

// Deliver sends the archive to each recipient. The returned error combines
// one *DeliveryFailure per recipient that could not be reached.
func (s *DeliveryService) Deliver(ctx context.Context, doc *models.BackupDocument, recipients []string) error {
	if len(recipients) == 0 {
		s.logger.Info("backup delivery skipped, no recipients")
		return nil
	}
	if !s.Enabled() {
		return &DeliveryFailure{Recipient: strings.Join(recipients, ","), Err: mailer.ErrNotConfigured}
	}
	filename, archive, err := PackageArchive(doc)
	if err != nil {
		return err
	}

	msg := mailer.Message{
		Subject: "Backup: " + doc.Name,
		Body: fmt.Sprintf("A backup was created on %s.\n\nAssets: %d\nUsers: %d\nIssues: %d\nSize: %d bytes\n\nThe JSON document is attached as %s.\n",
			doc.Timestamp.UTC().Format(time.RFC1123), doc.Metadata.TotalAssets, doc.Metadata.TotalUsers,
			doc.Metadata.TotalIssues, doc.Metadata.BackupSize, filename),
		Attachments: []mailer.Attachment{{Filename: filename, ContentType: "application/zip", Data: archive}},
	}

	var errs error
	for _, recipient := range recipients {
		msg.To = recipient
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.mail.Send(sendCtx, msg)
		cancel()
		if err != nil {
			s.metrics.ObserveDelivery(outcomeFailure)
			s.logger.Warn("backup delivery failed", zap.String("recipient", recipient), zap.Error(err))
			errs = multierr.Append(errs, &DeliveryFailure{Recipient: recipient, Err: err})
			continue
		}
		s.metrics.ObserveDelivery(outcomeSuccess)
	}
	return errs
}

// PackageArchive zips doc as a single <name>.json entry and returns "<name>.zip" with its bytes.
func PackageArchive(doc *models.BackupDocument) (string, []byte, error) {
	stem := BackupFileName(doc.Name)
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode backup for archive: %w", err)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     stem + ".json",
		Method:   zip.Deflate,
		Modified: doc.Timestamp,
	})
	if err != nil {
		return "", nil, fmt.Errorf("create archive entry: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return "", nil, fmt.Errorf("write archive entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", nil, fmt.Errorf("finalise archive: %w", err)
	}
	return stem + ".zip", buf.Bytes(), nil
}

// DeliveryWorker bridges queue jobs to DeliveryService.
type DeliveryWorker struct {
	delivery *DeliveryService
	logger   *zap.Logger
}

// NewDeliveryWorker constructs a worker.
func NewDeliveryWorker(delivery *DeliveryService, logger *zap.Logger) *DeliveryWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryWorker{delivery: delivery, logger: logger}
}

// Handle processes a queue job. Only a delivery that reached nobody is
// retried; a partial success is final so reached recipients get one email.
func (w *DeliveryWorker) Handle(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(DeliveryJobPayload)
	if !ok || payload.Document == nil {
		return jobs.Permanent(fmt.Errorf("delivery job %s has no document", job.ID))
	}
	recipients, err := w.delivery.Recipients(ctx)
	if err != nil {
		return err
	}
	err = w.delivery.Deliver(ctx, payload.Document, recipients)
	if err == nil {
		w.logger.Info("backup delivered", zap.String("backup_id", payload.BackupID), zap.Int("recipients", len(recipients)))
		return nil
	}
	failed := multierr.Errors(err)
	if errors.Is(err, mailer.ErrNotConfigured) || len(failed) < len(recipients) {
		return jobs.Permanent(err)
	}
	return err
}

// LogAbandoned is the queue give-up hook for delivery jobs.
func (w *DeliveryWorker) LogAbandoned(job jobs.Job, err error) {
	backupID := job.ID
	if payload, ok := job.Payload.(DeliveryJobPayload); ok {
		backupID = payload.BackupID
	}
	w.logger.Sugar().Warnw("backup delivery abandoned; the stored backup is unaffected", "backup_id", backupID, "attempts", job.Attempt, "error", err)
}

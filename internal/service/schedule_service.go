package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/itam-admin-api/internal/dto"
	"github.com/noah-isme/itam-admin-api/internal/models"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
	"github.com/noah-isme/itam-admin-api/pkg/jobs"
)

// SchedulerActor is recorded as created_by for backups taken by a schedule.
const SchedulerActor = "scheduler"

type scheduleStore interface {
	Create(ctx context.Context, schedule *models.BackupSchedule) error
	GetByID(ctx context.Context, id string) (*models.BackupSchedule, error)
	List(ctx context.Context) ([]models.BackupSchedule, error)
	ListDue(ctx context.Context, now time.Time) ([]models.BackupSchedule, error)
	UpdateRun(ctx context.Context, update models.ScheduleRunUpdate) error
	SetEnabled(ctx context.Context, id string, enabled bool, nextRunAt, updatedAt time.Time) error
	Delete(ctx context.Context, id string) error
}

type snapshotCreator interface {
	CreateSnapshot(ctx context.Context, name, description string) (*models.BackupDocument, error)
}

type backupStorer interface {
	Store(ctx context.Context, doc *models.BackupDocument, actor string, scheduleID *string) (*models.BackupRecord, error)
	PruneExpired(ctx context.Context, scheduleID string, retentionDays int) (int, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// ScheduleServiceConfig holds scheduler tunables.
type ScheduleServiceConfig struct {
	Interval   time.Duration
	LockTTL    time.Duration
	RunTimeout time.Duration
}

// ScheduleService manages backup schedules and fires the ones that are due.
type ScheduleService struct {
	repo       scheduleStore
	snapshots  snapshotCreator
	backups    backupStorer
	dispatcher jobDispatcher
	locks      restoreLocker
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	cfg        ScheduleServiceConfig
	now        func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewScheduleService constructs the service. dispatcher and locks may be nil.
func NewScheduleService(
	repo scheduleStore,
	snapshots snapshotCreator,
	backups backupStorer,
	dispatcher jobDispatcher,
	locks restoreLocker,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg ScheduleServiceConfig,
) *ScheduleService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 15 * time.Minute
	}
	svc := &ScheduleService{
		repo:       repo,
		snapshots:  snapshots,
		backups:    backups,
		dispatcher: dispatcher,
		locks:      locks,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		running:    make(map[string]struct{}),
	}
	svc.validator.RegisterValidation("frequency", func(fl validator.FieldLevel) bool {
		return models.BackupFrequency(strings.ToLower(fl.Field().String())).Valid()
	})
	svc.validator.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		_, _, err := models.ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	return svc
}

// CreateSchedule registers a schedule whose first run is the next occurrence of timeOfDay.
func (s *ScheduleService) CreateSchedule(ctx context.Context, req dto.CreateBackupScheduleRequest, actor *models.JWTClaims) (*models.BackupSchedule, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	now := s.now().UTC()
	frequency := models.BackupFrequency(strings.ToLower(req.Frequency))
	next, err := NextOccurrence(frequency, req.TimeOfDay, now, now)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	schedule := &models.BackupSchedule{
		Name:          strings.TrimSpace(req.Name),
		Enabled:       req.Enabled == nil || *req.Enabled,
		Frequency:     frequency,
		TimeOfDay:     strings.TrimSpace(req.TimeOfDay),
		RetentionDays: req.RetentionDays,
		Notify:        req.Notify,
		NextRunAt:     next,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if actor != nil {
		schedule.CreatedBy = actor.UserID
	}
	if err := s.repo.Create(ctx, schedule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create backup schedule")
	}
	s.logger.Info("backup schedule created",
		zap.String("schedule_id", schedule.ID),
		zap.String("frequency", string(schedule.Frequency)),
		zap.Time("next_run_at", schedule.NextRunAt),
	)
	return schedule, nil
}

// ListSchedules returns every schedule.
func (s *ScheduleService) ListSchedules(ctx context.Context) ([]models.BackupSchedule, error) {
	schedules, err := s.repo.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list backup schedules")
	}
	return schedules, nil
}

// GetSchedule returns one schedule.
func (s *ScheduleService) GetSchedule(ctx context.Context, id string) (*models.BackupSchedule, error) {
	schedule, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "backup schedule not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load backup schedule")
	}
	return schedule, nil
}

// DeleteSchedule removes a schedule. Backups it produced stay in the catalog.
func (s *ScheduleService) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "backup schedule not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete backup schedule")
	}
	s.logger.Info("backup schedule deleted", zap.String("schedule_id", id))
	return nil
}

// SetEnabled toggles a schedule. Enabling recomputes the next run from now so
// a long-disabled schedule does not fire immediately.
func (s *ScheduleService) SetEnabled(ctx context.Context, id string, req dto.UpdateBackupScheduleRequest) (*models.BackupSchedule, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	schedule, err := s.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	next := schedule.NextRunAt
	if *req.Enabled {
		next, err = NextOccurrence(schedule.Frequency, schedule.TimeOfDay, schedule.CreatedAt, now)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "stored schedule is invalid")
		}
	}
	if err := s.repo.SetEnabled(ctx, id, *req.Enabled, next, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "backup schedule not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update backup schedule")
	}
	schedule.Enabled = *req.Enabled
	schedule.NextRunAt = next
	schedule.UpdatedAt = now
	return schedule, nil
}

// RunNow claims the schedule and runs it in the background. It fails with a
// conflict when a run of the same schedule is already in flight.
func (s *ScheduleService) RunNow(ctx context.Context, id string) (*models.BackupSchedule, error) {
	schedule, err := s.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	release, err := s.claim(ctx, schedule.ID)
	if err != nil {
		if errors.Is(err, errScheduleRunning) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "backup schedule is already running")
		}
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		s.run(context.WithoutCancel(ctx), *schedule)
	}()
	return schedule, nil
}

// Start boots the periodic sweep. It returns immediately. The sweep goroutine
// counts towards Wait, so Wait returns only after ctx is done and every
// dispatched run has finished.
func (s *ScheduleService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	s.logger.Info("backup scheduler started", zap.Duration("interval", s.cfg.Interval))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("backup scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Wait blocks until the sweep has stopped and in-flight runs have finished.
func (s *ScheduleService) Wait() {
	s.wg.Wait()
}

// Tick dispatches every due schedule on its own goroutine and returns without
// waiting. A schedule still running from an earlier tick is skipped by claim.
func (s *ScheduleService) Tick(ctx context.Context) {
	due, err := s.repo.ListDue(ctx, s.now().UTC())
	if err != nil {
		s.logger.Warn("list due backup schedules", zap.Error(err))
		return
	}
	for _, schedule := range due {
		id := schedule.ID
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.runDue(ctx, id); err != nil {
				s.logger.Debug("backup schedule skipped", zap.String("schedule_id", id), zap.Error(err))
			}
		}()
	}
}

// runDue claims the schedule, re-reads it and runs it if it is still due.
func (s *ScheduleService) runDue(ctx context.Context, id string) error {
	release, err := s.claim(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	schedule, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errScheduleNotDue
		}
		return err
	}
	if !schedule.Enabled || schedule.NextRunAt.After(s.now().UTC()) {
		return errScheduleNotDue
	}
	s.run(context.WithoutCancel(ctx), *schedule)
	return nil
}

// run performs one execution and records its outcome. Failures are recorded
// on the schedule, never returned.
func (s *ScheduleService) run(ctx context.Context, schedule models.BackupSchedule) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	logger := s.logger.With(zap.String("schedule_id", schedule.ID), zap.String("frequency", string(schedule.Frequency)))
	started := s.now().UTC()
	record, runErr := s.execute(runCtx, logger, schedule)
	s.metrics.ObserveScheduleRun(schedule.Frequency, runErr)
	finished := s.now().UTC()

	update := models.ScheduleRunUpdate{
		ID:              schedule.ID,
		ExpectedNextRun: schedule.NextRunAt,
		NextRunAt:       schedule.NextRunAt,
		FailureCount:    schedule.FailureCount,
		UpdatedAt:       finished,
	}
	if runErr != nil {
		msg := runErr.Error()
		update.LastError = &msg
		update.FailureCount++
		logger.Error("scheduled backup failed", zap.Int("failure_count", update.FailureCount), zap.Error(runErr))
	} else {
		next, err := NextOccurrence(schedule.Frequency, schedule.TimeOfDay, schedule.CreatedAt, finished)
		if err != nil {
			logger.Error("compute next backup run", zap.Error(err))
			return
		}
		update.LastRunAt = &started
		update.NextRunAt = next
		update.FailureCount = 0
		logger.Info("scheduled backup completed",
			zap.String("backup_id", record.ID),
			zap.Time("next_run_at", next),
			zap.Duration("duration", finished.Sub(started)),
		)
	}

	if err := s.repo.UpdateRun(ctx, update); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logger.Warn("backup schedule run not recorded", zap.Error(errScheduleConflict))
			return
		}
		logger.Error("record backup schedule run", zap.Error(err))
	}
}

// execute is snapshot, store, notify, prune. Only snapshot and store decide
// the outcome; delivery and pruning problems are logged.
func (s *ScheduleService) execute(ctx context.Context, logger *zap.Logger, schedule models.BackupSchedule) (*models.BackupRecord, error) {
	name := fmt.Sprintf("%s - %s", schedule.Name, s.now().UTC().Format("2006-01-02 15:04"))
	doc, err := s.snapshots.CreateSnapshot(ctx, name, fmt.Sprintf("Scheduled %s backup", schedule.Frequency))
	if err != nil {
		return nil, err
	}
	scheduleID := schedule.ID
	record, err := s.backups.Store(ctx, doc, SchedulerActor, &scheduleID)
	if err != nil {
		return nil, err
	}

	if schedule.Notify {
		enqueueDelivery(s.dispatcher, logger, record, doc)
	}

	if schedule.RetentionDays > 0 {
		if _, err := s.backups.PruneExpired(ctx, schedule.ID, schedule.RetentionDays); err != nil {
			logger.Warn("prune expired backups", zap.Error(err))
		}
	}
	return record, nil
}

// claim takes the per-schedule single-flight guard: in-process first, then
// the shared lock when one is configured.
func (s *ScheduleService) claim(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	if _, busy := s.running[id]; busy {
		s.mu.Unlock()
		return nil, errScheduleRunning
	}
	s.running[id] = struct{}{}
	s.mu.Unlock()

	local := func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}
	if s.locks == nil {
		return local, nil
	}
	lockName := "backups:schedule:" + id
	token, err := s.locks.Acquire(ctx, lockName, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, appErrors.ErrLockNotAcquired) {
			local()
			return nil, errScheduleRunning
		}
		s.logger.Warn("schedule lock unavailable, continuing with local guard", zap.String("schedule_id", id), zap.Error(err))
		return local, nil
	}
	return func() {
		if err := s.locks.Release(context.Background(), lockName, token); err != nil {
			s.logger.Warn("release schedule lock", zap.String("schedule_id", id), zap.Error(err))
		}
		local()
	}, nil
}

// NextOccurrence returns the first run strictly after now at timeOfDay (UTC).
// Weekly schedules keep anchor's weekday and monthly schedules keep anchor's
// day of month, clamped to the length of shorter months.
func NextOccurrence(frequency models.BackupFrequency, timeOfDay string, anchor, now time.Time) (time.Time, error) {
	hour, minute, err := models.ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	now = now.UTC()
	anchor = anchor.UTC()

	switch frequency {
	case models.FrequencyDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case models.FrequencyWeekly:
		offset := (int(anchor.Weekday()) - int(now.Weekday()) + 7) % 7
		next := time.Date(now.Year(), now.Month(), now.Day()+offset, hour, minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil
	case models.FrequencyMonthly:
		next := monthlyOccurrence(now.Year(), now.Month(), anchor.Day(), hour, minute)
		if !next.After(now) {
			next = monthlyOccurrence(now.Year(), now.Month()+1, anchor.Day(), hour, minute)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported backup frequency %q", frequency)
	}
}

func monthlyOccurrence(year int, month time.Month, day, hour, minute int) time.Time {
	first := time.Date(year, month, 1, hour, minute, 0, 0, time.UTC)
	if last := first.AddDate(0, 1, -1).Day(); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, time.UTC)
}

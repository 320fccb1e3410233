package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/itam-admin-api/internal/handler"
	"github.com/noah-isme/itam-admin-api/internal/repository"
	"github.com/noah-isme/itam-admin-api/internal/service"
	"github.com/noah-isme/itam-admin-api/pkg/cache"
	"github.com/noah-isme/itam-admin-api/pkg/config"
	"github.com/noah-isme/itam-admin-api/pkg/database"
	"github.com/noah-isme/itam-admin-api/pkg/jobs"
	"github.com/noah-isme/itam-admin-api/pkg/logger"
	"github.com/noah-isme/itam-admin-api/pkg/mailer"
	"github.com/noah-isme/itam-admin-api/pkg/storage"
)

// @title ITAM Admin API
// @version 1.0.0
// @description Backup, restore and backup scheduling for the IT asset management admin panel
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, locks are process-local", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	blobs, err := newBlobStore(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("init backup storage", zap.Error(err))
	}

	app := buildApp(cfg, db, redisClient, blobs, logr)
	// the queue outlives the signal so runs finishing during shutdown can still enqueue
	app.queue.Start(context.Background())
	if cfg.BackupScheduler.Enabled && cfg.Backups.Enabled {
		app.schedules.Start(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(cfg, app, logr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown", zap.Error(err))
	}
	// scheduled runs are not cancellable; let them store their backups
	app.schedules.Wait()
	app.queue.Stop()
}

type application struct {
	metrics   *service.MetricsService
	tokens    *service.TokenService
	users     *repository.UserRepository
	backups   *service.BackupService
	workflow  *service.BackupWorkflow
	restores  *service.RestoreService
	schedules *service.ScheduleService
	queue     *jobs.Queue
	checks    map[string]handler.ReadinessCheck
}

func buildApp(cfg *config.Config, db *sqlx.DB, redisClient *redis.Client, blobs storage.BlobStore, logr *zap.Logger) *application {
	metrics := service.NewMetricsService()
	validate := validator.New()

	tableRepo := repository.NewTableRepository(db)
	backupRepo := repository.NewBackupRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	userRepo := repository.NewUserRepository(db)
	locks := repository.NewLockRepository(redisClient, logr)

	snapshots := service.NewSnapshotService(tableRepo, metrics, logr, service.SnapshotServiceConfig{
		SchemaVersion: cfg.Backups.SchemaVersion,
		StepTimeout:   cfg.Backups.StepTimeout,
	})
	cacheSvc := service.NewCacheService(repository.NewCacheRepository(redisClient), metrics, cfg.Backups.StatsCacheTTL, logr, redisClient != nil)
	signer := storage.NewSignedURLSigner(cfg.Backups.SignedURLSecret, cfg.Backups.SignedURLTTL)
	backups := service.NewBackupService(backupRepo, blobs, signer, tableRepo, scheduleRepo, cacheSvc, logr, service.BackupServiceConfig{
		SchemaVersion: cfg.Backups.SchemaVersion,
		APIPrefix:     cfg.APIPrefix,
		StatsTTL:      cfg.Backups.StatsCacheTTL,
	})
	restores := service.NewRestoreService(tableRepo, backups, locks, metrics, logr, service.RestoreServiceConfig{
		SchemaVersion:  cfg.Backups.SchemaVersion,
		StepTimeout:    cfg.Backups.StepTimeout,
		MaxUploadBytes: cfg.Backups.MaxUploadBytes,
		LockTTL:        cfg.BackupScheduler.LockTTL,
	})

	var sender mailer.Sender
	if cfg.Mail.MailEnabled() {
		sender = mailer.NewSMTPMailer(cfg.Mail)
	} else {
		logr.Warn("smtp not configured, backup emails are disabled")
	}
	delivery := service.NewDeliveryService(userRepo, sender, metrics, logr, service.DeliveryServiceConfig{SendTimeout: cfg.Mail.Timeout})
	worker := service.NewDeliveryWorker(delivery, logr)
	queue := jobs.NewQueue(service.DeliveryJobType, worker.Handle, jobs.QueueConfig{
		Workers:    cfg.Delivery.Workers,
		MaxRetries: cfg.Delivery.Retries,
		RetryDelay: 30 * time.Second,
		OnGiveUp:   worker.LogAbandoned,
		Logger:     logr,
	})

	workflow := service.NewBackupWorkflow(snapshots, backups, queue, validate, logr)
	schedules := service.NewScheduleService(scheduleRepo, snapshots, backups, queue, locks, metrics, validate, logr, service.ScheduleServiceConfig{
		Interval:   cfg.BackupScheduler.Interval,
		LockTTL:    cfg.BackupScheduler.LockTTL,
		RunTimeout: cfg.Backups.RunTimeout,
	})

	checks := map[string]handler.ReadinessCheck{"postgres": db.PingContext}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	return &application{
		metrics:   metrics,
		tokens:    service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer}),
		users:     userRepo,
		backups:   backups,
		workflow:  workflow,
		restores:  restores,
		schedules: schedules,
		queue:     queue,
		checks:    checks,
	}
}

func newBlobStore(ctx context.Context, cfg *config.Config, logr *zap.Logger) (storage.BlobStore, error) {
	if cfg.Backups.StorageDriver == config.StorageDriverS3 {
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Prefix:          cfg.S3.Prefix,
			UsePathStyle:    cfg.S3.UsePathStyle,
		}, logr)
	}
	return storage.NewLocalStorage(cfg.Backups.StorageDir)
}

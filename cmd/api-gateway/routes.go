package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/itam-admin-api/api/swagger"
	"github.com/noah-isme/itam-admin-api/internal/handler"
	"github.com/noah-isme/itam-admin-api/internal/middleware"
	"github.com/noah-isme/itam-admin-api/internal/models"
	"github.com/noah-isme/itam-admin-api/pkg/config"
	"github.com/noah-isme/itam-admin-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/itam-admin-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/itam-admin-api/pkg/middleware/requestid"
)

func newRouter(cfg *config.Config, app *application, logr *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(app.metrics))
	r.Use(middleware.WithResponseMeta())

	metricsHandler := handler.NewMetricsHandler(app.metrics, app.checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if !cfg.Backups.Enabled {
		logr.Info("backup routes disabled")
		return r
	}

	backupHandler := handler.NewBackupHandler(app.backups, app.workflow, app.restores, cfg.Backups.MaxUploadBytes)
	scheduleHandler := handler.NewScheduleHandler(app.schedules)

	api := r.Group(cfg.APIPrefix)
	// the signed token is the credential for downloads
	api.GET("/backups/:id/download", middleware.OptionalJWT(app.tokens), backupHandler.Download)

	secured := api.Group("", middleware.JWT(app.tokens))
	readers := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleDepartmentOfficer)
	admins := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)
	audit := func(action, resource string) gin.HandlerFunc {
		return middleware.Audit(app.users, logr, action, resource)
	}

	backups := secured.Group("/backups")
	backups.GET("", readers, backupHandler.List)
	backups.GET("/:id", readers, backupHandler.Get)
	backups.POST("", admins, audit(models.AuditActionBackupCreate, "backup"), backupHandler.Create)
	backups.DELETE("/:id", admins, audit(models.AuditActionBackupDelete, "backup"), backupHandler.Delete)
	backups.POST("/:id/restore", admins, audit(models.AuditActionBackupRestore, "backup"), backupHandler.Restore)
	backups.POST("/restore/upload", admins, audit(models.AuditActionBackupUpload, "backup"), backupHandler.UploadRestore)

	secured.GET("/system/stats", readers, backupHandler.SystemStats)

	schedules := secured.Group("/backup-schedules", admins)
	schedules.GET("", scheduleHandler.List)
	schedules.POST("", audit(models.AuditActionScheduleCreate, "backup_schedule"), scheduleHandler.Create)
	schedules.PATCH("/:id", audit(models.AuditActionScheduleUpdate, "backup_schedule"), scheduleHandler.Update)
	schedules.DELETE("/:id", audit(models.AuditActionScheduleDelete, "backup_schedule"), scheduleHandler.Delete)
	schedules.POST("/:id/run", audit(models.AuditActionScheduleRun, "backup_schedule"), scheduleHandler.Run)

	return r
}

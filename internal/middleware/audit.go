package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/noah-isme/itam-admin-api/internal/models"
)

// ContextResourceIDKey lets handlers name the resource they created so the
// audit entry can reference it.
const ContextResourceIDKey = "auditResourceID"

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Audit creates a middleware that records audit logs after the request.
// Client errors are not recorded. Server errors are, since a failed restore
// may already have changed data.
func Audit(recorder AuditRecorder, logger *zap.Logger, action, resource string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		status := c.Writer.Status()
		if recorder == nil || (status >= http.StatusBadRequest && status < http.StatusInternalServerError) {
			return
		}

		var userID *string
		if value, ok := c.Get(ContextUserKey); ok {
			if claims, ok := value.(*models.JWTClaims); ok && claims != nil {
				userID = &claims.UserID
			}
		}

		var resourceID *string
		if id := c.Param("id"); id != "" {
			resourceID = &id
		} else if id := c.GetString(ContextResourceIDKey); id != "" {
			resourceID = &id
		}

		body, _ := json.Marshal(map[string]interface{}{
			"path":    c.FullPath(),
			"method":  c.Request.Method,
			"status":  status,
			"latency": time.Since(start).Milliseconds(),
		})

		err := recorder.CreateAuditLog(context.WithoutCancel(c.Request.Context()), &models.AuditLog{
			UserID:     userID,
			Action:     action,
			Resource:   resource,
			ResourceID: resourceID,
			NewValues:  body,
			IPAddress:  c.ClientIP(),
			UserAgent:  c.GetHeader("User-Agent"),
			CreatedAt:  start,
		})
		if err != nil {
			logger.Warn("audit log not recorded", zap.String("action", action), zap.Error(err))
		}
	}
}

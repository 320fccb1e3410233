package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/itam-admin-api/internal/middleware"
	"github.com/noah-isme/itam-admin-api/internal/models"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
	"github.com/noah-isme/itam-admin-api/pkg/response"
)

// requireActor returns the authenticated operator, writing a 401 when the
// JWT middleware did not run or stored something unexpected.
func requireActor(c *gin.Context) (*models.JWTClaims, bool) {
	if value, exists := c.Get(middleware.ContextUserKey); exists {
		if claims, ok := value.(*models.JWTClaims); ok && claims != nil && claims.UserID != "" {
			return claims, true
		}
	}
	response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "authenticated operator required"))
	return nil, false
}

// recordResource hands the created resource id to the audit middleware.
func recordResource(c *gin.Context, id string) {
	c.Set(middleware.ContextResourceIDKey, id)
}

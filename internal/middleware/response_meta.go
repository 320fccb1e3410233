package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/itam-admin-api/pkg/middleware/requestid"
)

const (
	responseMetaKey  = "response_meta"
	requestStartKey  = "response_meta_start"
	cacheHitKey      = "cache_hit"
	processingKey    = "processing_time_ms"
	metaRequestIDKey = "request_id"
)

// WithResponseMeta starts collecting envelope metadata for the request.
// Handlers add entries and read the map back with ExtractMeta.
func WithResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(requestStartKey, time.Now())
		c.Set(responseMetaKey, map[string]interface{}{})
		c.Next()
	}
}

// SetCacheHit marks whether the response body was served from cache.
func SetCacheHit(c *gin.Context, hit bool) {
	metaFor(c, true)[cacheHitKey] = hit
}

// ExtractMeta returns the collected metadata, stamped with the request id
// and the time spent so far. It returns nil when nothing was collected.
func ExtractMeta(c *gin.Context) map[string]interface{} {
	meta := metaFor(c, false)
	if meta == nil {
		return nil
	}
	if id := requestid.Value(c); id != "" {
		meta[metaRequestIDKey] = id
	}
	if started, ok := c.Get(requestStartKey); ok {
		if at, ok := started.(time.Time); ok {
			meta[processingKey] = time.Since(at).Milliseconds()
		}
	}
	return meta
}

func metaFor(c *gin.Context, create bool) map[string]interface{} {
	if c == nil {
		return nil
	}
	if value, ok := c.Get(responseMetaKey); ok {
		if meta, ok := value.(map[string]interface{}); ok {
			return meta
		}
	}
	if !create {
		return nil
	}
	meta := map[string]interface{}{}
	c.Set(responseMetaKey, meta)
	return meta
}

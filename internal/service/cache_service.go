package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
)

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheService fronts the cache repository with metrics and a default TTL.
// Backend errors are logged and returned; callers treat them as misses.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
}

// NewCacheService constructs a cache service. enabled is false when Redis is
// not configured.
func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{
		repo:       repo,
		metrics:    metrics,
		defaultTTL: defaultTTL,
		logger:     logger.With(zap.String("component", "cache")),
		enabled:    enabled && repo != nil,
	}
}

// Enabled reports whether reads can ever hit.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled
}

// Get loads key into dest and reports a hit. A miss is not an error.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	started := time.Now()
	err := s.repo.Get(ctx, key, dest)
	hit := err == nil
	s.metrics.RecordCacheOperation(hit, time.Since(started))
	switch {
	case hit:
		return true, nil
	case errors.Is(err, appErrors.ErrCacheMiss):
		return false, nil
	default:
		s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
}

// Set stores value under key. A non-positive ttl uses the default.
func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	started := time.Now()
	err := s.repo.Set(ctx, key, value, ttl)
	s.metrics.ObserveCacheWrite(time.Since(started))
	if err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
	}
	return err
}

// Invalidate drops keys so the next read recomputes them.
func (s *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if !s.Enabled() || len(keys) == 0 {
		return nil
	}
	err := s.repo.Delete(ctx, keys...)
	if err != nil {
		s.logger.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
	return err
}

type readThroughCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// remember returns the cached value for key or computes and stores it. Cache
// errors never fail the read; only load errors are returned.
func remember[T any](ctx context.Context, cache readThroughCache, key string, ttl time.Duration, load func(context.Context) (*T, error)) (*T, bool, error) {
	if cache != nil {
		var cached T
		if hit, err := cache.Get(ctx, key, &cached); err == nil && hit {
			return &cached, true, nil
		}
	}
	value, err := load(ctx)
	if err != nil {
		return nil, false, err
	}
	if cache != nil {
		_ = cache.Set(ctx, key, value, ttl)
	}
	return value, false, nil
}

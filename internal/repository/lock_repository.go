package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
)

const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

type redisLocker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// LockRepository provides TTL-bound Redis locks shared across replicas.
// Without a client every acquire succeeds and callers rely on in-process guards.
type LockRepository struct {
	client redisLocker
	prefix string
	logger *zap.Logger
}

// NewLockRepository constructs a lock repository. client may be nil.
func NewLockRepository(client *redis.Client, logger *zap.Logger) *LockRepository {
	if client == nil {
		return newLockRepository(nil, logger)
	}
	return newLockRepository(client, logger)
}

func newLockRepository(client redisLocker, logger *zap.Logger) *LockRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockRepository{client: client, prefix: "itam:lock:", logger: logger}
}

// Distributed reports whether locks are backed by Redis.
func (r *LockRepository) Distributed() bool {
	return r != nil && r.client != nil
}

// Acquire takes the named lock for ttl and returns the owner token.
// It fails with ErrLockNotAcquired when another holder owns the lock.
func (r *LockRepository) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	if !r.Distributed() {
		return token, nil
	}
	ok, err := r.client.SetNX(ctx, r.prefix+name, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis lock %s: %w", name, err)
	}
	if !ok {
		return "", appErrors.ErrLockNotAcquired
	}
	return token, nil
}

// Release drops the lock if token still owns it. An expired lock is not an error.
func (r *LockRepository) Release(ctx context.Context, name, token string) error {
	if !r.Distributed() {
		return nil
	}
	released, err := r.client.Eval(ctx, releaseScript, []string{r.prefix + name}, token).Int()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", name, err)
	}
	if released == 0 {
		r.logger.Warn("lock expired before release", zap.String("lock", name))
	}
	return nil
}

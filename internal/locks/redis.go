package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisKeyPrefix     = "syllabus:identity-sync:"
	defaultRedisLockTTL       = 10 * time.Second
	defaultRedisRetryInterval = 25 * time.Millisecond
)

var (
	ErrMissingRedisClient = errors.New("locks: redis client required")

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	Client        redis.UniversalClient
	KeyPrefix     string
	TTL           time.Duration
	RetryInterval time.Duration
	Logger        *zap.Logger
}

// RedisLocker serialises a key across processes sharing one Redis. A lock is
// a key set with NX and a TTL holding a random token; release deletes the key
// only while it still holds that token. The TTL bounds how long a crashed
// holder can block others.
type RedisLocker struct {
	client        redis.UniversalClient
	keyPrefix     string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewRedisLocker validates cfg and returns a RedisLocker.
func NewRedisLocker(cfg RedisLockerConfig) (*RedisLocker, error) {
	if cfg.Client == nil {
		return nil, ErrMissingRedisClient
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRedisRetryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client:        cfg.Client,
		keyPrefix:     prefix,
		ttl:           ttl,
		retryInterval: retryInterval,
		logger:        logger,
	}, nil
}

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()
	for {
		acquired, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("locks: acquire %s: %w", redisKey, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled; release on a fresh one.
			releaseCtx, cancel := context.WithTimeout(context.Background(), l.ttl)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("redis lock release failed", zap.String("key", redisKey), zap.Error(err))
			}
		})
	}, nil
}

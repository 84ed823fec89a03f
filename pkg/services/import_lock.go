package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/apperrors"
)

// DefaultLockTTL bounds how long a crashed import can hold its lock.
const DefaultLockTTL = 5 * time.Minute

const lockKeyPrefix = "superset-importer:lock:"

// ErrImportInProgress is returned when another request holds the source's lock.
var ErrImportInProgress = fmt.Errorf("%w: import already in progress", apperrors.ErrConflict)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ImportLock serialises imports of the same source object.
type ImportLock interface {
	// Acquire takes the lock for key or returns ErrImportInProgress.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// NewImportLock returns a Redis-backed lock shared by every instance, or an
// in-process lock when rdb is nil.
func NewImportLock(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) ImportLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if rdb == nil {
		return &localLock{held: make(map[string]string)}
	}
	return &redisLock{rdb: rdb, ttl: ttl, logger: logger.Named("import_lock")}
}

func newLockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type localLock struct {
	mu   sync.Mutex
	held map[string]string
}

func (l *localLock) Acquire(_ context.Context, key string) (func(), error) {
	token, err := newLockToken()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, ErrImportInProgress
	}
	l.held[key] = token

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == token {
			delete(l.held, key)
		}
	}, nil
}

type redisLock struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func (l *redisLock) Acquire(ctx context.Context, key string) (func(), error) {
	token, err := newLockToken()
	if err != nil {
		return nil, err
	}

	redisKey := lockKeyPrefix + key
	ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire import lock: %w", err)
	}
	if !ok {
		return nil, ErrImportInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The request context may already be cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.rdb, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("Failed to release import lock; it expires with its TTL",
					zap.String("key", redisKey),
					zap.Duration("ttl", l.ttl),
					zap.Error(err))
			}
		})
	}, nil
}

var (
	_ ImportLock = (*localLock)(nil)
	_ ImportLock = (*redisLock)(nil)
)

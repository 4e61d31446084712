package walletlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this holder still owns it.
// KEYS[1] = lock key, ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry forward while the holder still owns the lock.
// KEYS[1] = lock key, ARGV[1] = holder token, ARGV[2] = ttl in milliseconds
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a lease-based lock shared by every settlement process
// pointing at the same Redis. The lease is renewed while held.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
	prefix string
	logger *slog.Logger
}

// NewRedisLocker connects to Redis at addr.
func NewRedisLocker(addr, password string, db int, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLockerWithClient(rdb, ttl, logger)
}

func NewRedisLockerWithClient(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
		prefix: "settlement:walletlock:",
		logger: logger.With("component", "walletlock"),
	}
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Lock polls SET NX PX until the lease is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("acquire wallet lock: %w", err)
		}
		if ok {
			break
		}
		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(lockKey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
				l.logger.Warn("wallet lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(lockKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := extendScript.Run(ctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warn("wallet lock renewal failed", "key", lockKey, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Error("wallet lock lease lost", "key", lockKey)
				return
			}
		}
	}
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/coffeeops/finance-engine/finance"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the Redis connection used for locks.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// ConnectRedis opens a client and pings it.
func ConnectRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, finance.Unavailable("redis ping", err)
	}
	return rdb, nil
}

// RedisLocker obtains leases from Redis so several servers share one lock.
type RedisLocker struct {
	client  *redislock.Client
	prefix  string
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
	logger  *zap.Logger
}

// NewRedisLocker builds a locker over rdb. A lease expires after ttl if the
// holder dies; Obtain retries every backoff for up to wait.
func NewRedisLocker(rdb redislock.RedisClient, prefix string, ttl, wait time.Duration, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client:  redislock.New(rdb),
		prefix:  prefix,
		ttl:     ttl,
		wait:    wait,
		backoff: 100 * time.Millisecond,
		logger:  logger,
	}
}

func (r *RedisLocker) Obtain(ctx context.Context, key string) (Lease, error) {
	key = fmt.Sprintf("%s:%s", r.prefix, key)

	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	lk, err := r.client.Obtain(waitCtx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.backoff),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		r.logger.Warn("could not obtain lock", zap.String("key", key), zap.Duration("wait", r.wait))
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, finance.Unavailable("obtain lock", err)
	}
	return &redisLease{lock: lk, key: key, logger: r.logger}, nil
}

type redisLease struct {
	lock   *redislock.Lock
	key    string
	logger *zap.Logger
}

func (rl *redisLease) Release(ctx context.Context) error {
	err := rl.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		// ttl ran out before release; the work already finished
		rl.logger.Warn("lock expired before release", zap.String("key", rl.key))
		return nil
	}
	if err != nil {
		return finance.Unavailable("release lock", err)
	}
	return nil
}

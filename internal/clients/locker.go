package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/sirupsen/logrus"
)

// ErrLockNotAcquired is returned when another holder keeps the lock past all
// retries.
var ErrLockNotAcquired = errors.New("lock not acquired")

type LockOptions struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:     10 * time.Second,
		Tries:      32,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Locker serialises work on one resource across service instances.
type Locker struct {
	rs   *redsync.Redsync
	opts LockOptions
	log  logrus.FieldLogger
}

func NewLocker(redis *RedisClient, opts LockOptions, log logrus.FieldLogger) *Locker {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultLockOptions().Expiry
	}
	if opts.Tries <= 0 {
		opts.Tries = DefaultLockOptions().Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultLockOptions().RetryDelay
	}
	return &Locker{
		rs:   redsync.New(goredis.NewPool(redis.Raw())),
		opts: opts,
		log:  log,
	}
}

// PlanLockKey is the mutex name guarding payments on a plan.
func PlanLockKey(planID string) string {
	return "lock:fee-plan:" + planID
}

// WithLock runs fn while holding key. The lock is released when fn returns.
func (l *Locker) WithLock(ctx context.Context, key string, fn func() error) error {
	mutex := l.rs.NewMutex(
		key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return fmt.Errorf("%s: %w", key, ErrLockNotAcquired)
		}
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			l.log.WithFields(logrus.Fields{"lock": key, "ok": ok}).WithError(err).Warn("failed to release lock")
		}
	}()

	return fn()
}

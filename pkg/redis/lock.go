package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when another holder owns the lock.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when releasing a lock that expired or changed owner.
	ErrLockNotHeld = errors.New("lock not held")
)

// compare-and-delete so an expired lock taken over by another replica is left alone
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Lock is a held lock. Release it when done.
type Lock struct {
	client *Client
	key    string
	token  string
}

// Locker hands out TTL-bound locks keyed under "lock:".
type Locker struct {
	client *Client
}

// NewLocker creates a new Locker
func NewLocker(client *Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes the lock once, returning ErrLockNotAcquired when it is held elsewhere.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := "lock:" + key
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, lockKey, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
	return &Lock{client: l.client, key: l.client.Key(lockKey), token: token}, nil
}

// Release deletes the lock if this holder still owns it.
func (lock *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// WithLock runs fn while holding the lock. A lock lost before fn returns is reported as ErrLockNotHeld.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	fnErr := fn()
	if err := lock.Release(ctx); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

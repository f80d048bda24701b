// Package lock is a cross-process mutex on Redis with a TTL and a bounded acquire wait.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is still held after the wait expired.
var ErrNotAcquired = errors.New("lock not acquired")

const defaultPoll = 100 * time.Millisecond

// Locker hands out named locks.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithPoll sets how often a waiting caller retries.
func WithPoll(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithPrefix namespaces lock keys.
func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// New builds a Locker. ttl must exceed the longest critical section, wait bounds Acquire.
func New(client *redis.Client, ttl, wait time.Duration, logger *slog.Logger, opts ...Option) *Locker {
	l := &Locker{client: client, prefix: "lock:", ttl: ttl, wait: wait, poll: defaultPoll, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lease is a held lock.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// TryAcquire makes a single attempt.
func (l *Locker) TryAcquire(ctx context.Context, name string) (*Lease, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Acquire retries until the lock is taken or the wait expires.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lease, error) {
	deadline := time.Now().Add(l.wait)
	for {
		lease, err := l.TryAcquire(ctx, name)
		if !errors.Is(err, ErrNotAcquired) {
			return lease, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Held reports whether anyone holds the lock.
func (l *Locker) Held(ctx context.Context, name string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+name).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WaitReleased blocks until the lock is free. The TTL bounds the wait.
func (l *Locker) WaitReleased(ctx context.Context, name string) error {
	for {
		held, err := l.Held(ctx, name)
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Do runs fn under the lock. A caller that cannot take the lock within the wait does not
// fail: it waits for the holder to release and returns without running fn, on the basis
// that the holder did the work.
func (l *Locker) Do(ctx context.Context, name string, fn func(ctx context.Context) error) (ran bool, err error) {
	lease, err := l.Acquire(ctx, name)
	if errors.Is(err, ErrNotAcquired) {
		l.logger.Info("lock held elsewhere, waiting for release", "lock", name)
		if err := l.WaitReleased(ctx, name); err != nil {
			return false, fmt.Errorf("wait for %s: %w", name, err)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		// Release on a fresh context so a cancelled caller still frees the key.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := lease.Release(relCtx); rerr != nil {
			l.logger.Warn("lock release failed", "lock", name, "error", rerr)
		}
	}()
	return true, fn(ctx)
}

// Release frees the lock if this lease still owns it.
func (le *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.locker.client, []string{le.key}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", le.key, err)
	}
	if n == 0 {
		le.locker.logger.Warn("lock expired before release", "key", le.key)
	}
	return nil
}

// Extend pushes the expiry forward if this lease still owns the lock.
func (le *Lease) Extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, le.locker.client, []string{le.key}, le.token, le.locker.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", le.key, err)
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/umbrix-io/umbrix/pkg/log"
)

// ErrContended is returned when another process holds the lock. This is
// the expected steady state of every non-leader instance and is never
// logged above debug level by callers
var ErrContended = errors.New("lock held by another instance")

const defaultTTL = 30 * time.Second

// releaseScript deletes a key only when it still carries our token, so
// an expired-and-reacquired lock is never released by the old holder
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// refreshScript extends the TTL only while we still hold the key
const refreshScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// Client is the subset of the Redis client the locker needs
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Options tunes one acquisition attempt
type Options struct {
	// RetryCount is the number of additional attempts after the first.
	// The publisher manager always uses zero: contention is resolved by
	// its own schedule, not by spinning here.
	RetryCount int
	// RetryDelay separates attempts when RetryCount is positive.
	RetryDelay time.Duration
	// TTL bounds how long a crashed holder can keep the lock.
	TTL time.Duration
}

// Locker acquires named exclusive locks backed by Redis
type Locker struct {
	client Client
}

// NewLocker creates a locker on top of a Redis client
func NewLocker(client Client) *Locker {
	return &Locker{client: client}
}

// Lock is one held lock over a set of keys. Release is idempotent and
// must be called on every exit path of the holder
type Lock struct {
	client   Client
	keys     []string
	token    string
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Acquire attempts to take every key in order. On contention for any
// key the already-taken keys are rolled back and ErrContended is
// returned
func (l *Locker) Acquire(ctx context.Context, keys []string, opts Options) (*Lock, error) {
	if len(keys) == 0 {
		return nil, errors.New("no lock keys given")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= opts.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		lock, err := l.tryAcquire(ctx, keys, ttl)
		if err == nil {
			return lock, nil
		}
		lastErr = err
		if !errors.Is(err, ErrContended) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (l *Locker) tryAcquire(ctx context.Context, keys []string, ttl time.Duration) (*Lock, error) {
	token := uuid.New().String()
	taken := make([]string, 0, len(keys))
	for _, key := range keys {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			l.rollback(ctx, taken, token)
			return nil, fmt.Errorf("lock acquisition failed on %s: %w", key, err)
		}
		if !ok {
			l.rollback(ctx, taken, token)
			return nil, fmt.Errorf("%w: %s", ErrContended, key)
		}
		taken = append(taken, key)
	}

	lock := &Lock{
		client: l.client,
		keys:   keys,
		token:  token,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lock.refresh(ttl)
	return lock, nil
}

func (l *Locker) rollback(ctx context.Context, keys []string, token string) {
	for _, key := range keys {
		_, _ = l.client.Eval(ctx, releaseScript, []string{key}, token).Result()
	}
}

// refresh extends the TTL while the lock is held so a long leadership
// cycle outlives the initial expiration
func (lk *Lock) refresh(ttl time.Duration) {
	defer close(lk.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, key := range lk.keys {
				if _, err := lk.client.Eval(ctx, refreshScript, []string{key}, lk.token, ttl.Milliseconds()).Result(); err != nil {
					logger := log.WithComponent("lock")
					logger.Warn().Err(err).Str("key", key).Msg("failed to refresh lock TTL")
				}
			}
			cancel()
		case <-lk.stopCh:
			return
		}
	}
}

// Release frees every key still held by this lock. Calling it more than
// once is a no-op; a key already expired or taken over by another
// holder is left untouched
func (lk *Lock) Release(ctx context.Context) error {
	var err error
	lk.stopOnce.Do(func() {
		close(lk.stopCh)
		<-lk.done
		for _, key := range lk.keys {
			if _, evalErr := lk.client.Eval(ctx, releaseScript, []string{key}, lk.token).Result(); evalErr != nil {
				err = fmt.Errorf("lock release failed on %s: %w", key, evalErr)
			}
		}
	})
	return err
}

// Package lock provides per-key mutual exclusion across processes using Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"lead-assistant/internal/metrics"
)

const (
	keyPrefix           = "lock:"
	defaultPollInterval = 50 * time.Millisecond
	releaseTimeout      = 2 * time.Second
	maxLeaseMargin      = 2 * time.Second
)

// ErrTimeout is returned when the lock could not be acquired in time.
var ErrTimeout = errors.New("lock: acquire timeout")

// releaseScript deletes the key only when it still holds our token, so an
// expired holder never removes a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var newToken = func() string { return uuid.NewString() }

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets how often a blocked acquirer retries.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLogger sets the logger used for release failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager hands out leased Redis locks.
type Manager struct {
	client       redis.Cmdable
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewManager creates a lock Manager.
func NewManager(client redis.Cmdable, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, errors.New("lock: redis client must not be nil")
	}
	m := &Manager{
		client:       client,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ConversationKey is the lock name for a conversation's critical section.
func ConversationKey(conversationID string) string {
	return "conversation:" + conversationID
}

// WithLock runs fn while holding key. Acquisition waits up to timeout and
// then fails with ErrTimeout without running fn. The lease also equals
// timeout so a crashed holder frees the key eventually. fn's context expires
// a margin before the lease does, so work inside it is cancelled while the
// key is still ours. The lock is released on every exit path, including
// panics in fn.
func (m *Manager) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return errors.New("lock: timeout must be positive")
	}

	redisKey := keyPrefix + key
	token := newToken()
	start := time.Now()
	err := m.acquire(ctx, redisKey, token, timeout)
	acquiredAt := time.Now()
	metrics.LockWait.Observe(acquiredAt.Sub(start).Seconds())
	if err != nil {
		return err
	}
	defer m.release(redisKey, token)

	fnCtx, cancel := context.WithDeadline(ctx, acquiredAt.Add(holdBudget(timeout)))
	defer cancel()
	return fn(fnCtx)
}

// holdBudget is how long fn may run under a lease of the given length.
func holdBudget(lease time.Duration) time.Duration {
	margin := lease / 10
	if margin > maxLeaseMargin {
		margin = maxLeaseMargin
	}
	return lease - margin
}

func (m *Manager) acquire(ctx context.Context, redisKey, token string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := m.client.SetNX(ctx, redisKey, token, timeout).Result()
		if err != nil {
			return fmt.Errorf("lock: acquire %s: %w", redisKey, err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("lock: acquire %s: %w", redisKey, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w: %s after %s", ErrTimeout, redisKey, timeout)
		case <-ticker.C:
		}
	}
}

// release uses its own context so a cancelled request still frees the key.
func (m *Manager) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := releaseScript.Run(ctx, m.client, []string{redisKey}, token).Err(); err != nil {
		m.logger.Warn("lock release failed", "key", redisKey, "err", err)
	}
}

// Package lock implements per-project exclusive leases on Redis with fencing tokens.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	// ErrBusy is returned when another holder owns the lock.
	ErrBusy = errors.New("lock: busy")
	// ErrNotHeld is returned when a lease no longer owns its key.
	ErrNotHeld = errors.New("lock: not held")
)

const (
	defaultPrefix = "deployster:lock:"
	DefaultTTL    = 600 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lease is proof of ownership returned by Acquire.
type Lease struct {
	Key        string
	Token      int64
	AcquiredAt time.Time
	TTL        time.Duration
}

// Manager hands out leases. It never waits for a busy key.
type Manager struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithTTL overrides the lease expiry.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithPrefix overrides the Redis key prefix.
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// WithLogger attaches a logger for keepalive diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager constructs a Manager backed by client.
func NewManager(client redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{client: client, prefix: defaultPrefix, ttl: DefaultTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProjectKey names the lock guarding a registered project.
func ProjectKey(projectID int64) string {
	return "project:" + strconv.FormatInt(projectID, 10)
}

// PathKey names the lock guarding an unregistered working directory.
func PathKey(dir string) string {
	return "path:" + dir
}

// TTL reports the lease expiry used by Acquire.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire takes the lock for key or fails with ErrBusy.
func (m *Manager) Acquire(ctx context.Context, key string) (Lease, error) {
	redisKey := m.prefix + key
	token, err := m.client.Incr(ctx, m.prefix+"fence:"+key).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("issue fencing token: %w", err)
	}
	ok, err := m.client.SetNX(ctx, redisKey, strconv.FormatInt(token, 10), m.ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return Lease{}, ErrBusy
	}
	return Lease{Key: key, Token: token, AcquiredAt: time.Now(), TTL: m.ttl}, nil
}

// Release deletes the lock only if lease still owns it.
func (m *Manager) Release(ctx context.Context, lease Lease) error {
	n, err := releaseScript.Run(ctx, m.client, []string{m.prefix + lease.Key}, strconv.FormatInt(lease.Token, 10)).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", lease.Key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend resets the expiry of an owned lock.
func (m *Manager) Extend(ctx context.Context, lease Lease) error {
	ttl := lease.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	n, err := extendScript.Run(ctx, m.client, []string{m.prefix + lease.Key}, strconv.FormatInt(lease.Token, 10), ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend %s: %w", lease.Key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// KeepAlive extends lease every interval until ctx is cancelled. It returns
// ErrNotHeld if ownership is lost and nil when ctx ends.
func (m *Manager) KeepAlive(ctx context.Context, lease Lease, every time.Duration) error {
	if every <= 0 {
		every = m.ttl / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Extend(ctx, lease); err != nil {
				if errors.Is(err, ErrNotHeld) {
					m.logger.Warn("lock lost during keepalive", "key", lease.Key, "token", lease.Token)
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				m.logger.Error("lock keepalive failed", "key", lease.Key, "error", err)
			}
		}
	}
}

// Holder returns the fencing token currently holding key.
func (m *Manager) Holder(ctx context.Context, key string) (int64, bool, error) {
	value, err := m.client.Get(ctx, m.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	token, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse holder of %s: %w", key, err)
	}
	return token, true, nil
}

// ReleaseFunc releases a lease at most once.
type ReleaseFunc func(ctx context.Context) error

// Releaser wraps Release in a once-guard so every exit path can call it.
func (m *Manager) Releaser(lease Lease) ReleaseFunc {
	var once sync.Once
	var err error
	return func(ctx context.Context) error {
		once.Do(func() {
			err = m.Release(ctx, lease)
		})
		return err
	}
}

// Package lock provides a lease-based distributed mutex used to serialize
// cleanup work per account across server instances.
//
// Semantics are fail-closed: if the lock backend cannot be reached, or the
// acquire budget expires, the caller must skip the critical section — the
// next sweep retries. Every lease carries an owner token; release and renew
// are no-ops when the token no longer matches, so an expired holder can
// never free or extend a lock that moved on.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is held elsewhere or the backend
// did not answer inside the acquire budget.
var ErrNotAcquired = errors.New("lock not acquired")

// Store is the key-lease backend. Implementations must make PutIfAbsent
// atomic and must only renew or release a key whose value equals owner.
type Store interface {
	// PutIfAbsent sets key=owner with the given TTL if the key is unset.
	// Returns true when the key was claimed.
	PutIfAbsent(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Renew extends the TTL if the key's value equals owner. Returns true
	// when the lease was extended.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseIfOwner deletes the key if its value equals owner.
	ReleaseIfOwner(ctx context.Context, key, owner string) error
}

// Manager acquires leases against a Store and keeps them renewed.
type Manager struct {
	store          Store
	lease          time.Duration
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// NewManager builds a manager with the given lease length and per-attempt
// acquire budget.
func NewManager(store Store, lease, acquireTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:          store,
		lease:          lease,
		acquireTimeout: acquireTimeout,
		logger:         logger.With("component", "lock"),
	}
}

// Lease is a held lock. Release it exactly once.
type Lease struct {
	m     *Manager
	key   string
	owner string

	cancel  context.CancelFunc
	done    chan struct{}
	lost    chan struct{}
	release sync.Once
}

// Acquire attempts to take the lock once, within the manager's acquire
// budget. On success it starts a background renewer that extends the lease
// at a third of its length. It never blocks waiting for a held lock.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lease, error) {
	owner := uuid.NewString()

	actx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	ok, err := m.store.PutIfAbsent(actx, key, owner, m.lease)
	if err != nil {
		// Backend unreachable or slow: treat as not acquired.
		m.logger.Warn("lock acquire failed", "key", key, "error", err)
		return nil, errors.Join(ErrNotAcquired, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	rctx, rcancel := context.WithCancel(context.Background())
	l := &Lease{
		m:      m,
		key:    key,
		owner:  owner,
		cancel: rcancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go l.renewLoop(rctx)

	m.logger.Debug("lock acquired", "key", key, "owner", owner)
	return l, nil
}

// Lost is closed if a renewal fails and the lease can no longer be
// guaranteed. Holders doing long work should watch it and stop.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Release stops renewal and frees the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) {
	l.release.Do(func() {
		l.cancel()
		<-l.done
		if err := l.m.store.ReleaseIfOwner(ctx, l.key, l.owner); err != nil {
			// The lease TTL frees the lock shortly anyway.
			l.m.logger.Warn("lock release failed", "key", l.key, "error", err)
		}
	})
}

func (l *Lease) renewLoop(ctx context.Context) {
	defer close(l.done)

	interval := l.m.lease / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, interval)
			ok, err := l.m.store.Renew(rctx, l.key, l.owner, l.m.lease)
			cancel()
			if err != nil || !ok {
				l.m.logger.Error("lease renewal failed, lock may be lost",
					"key", l.key, "owner", l.owner, "error", err)
				close(l.lost)
				return
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Redis store
// ————————————————————————————————————————————————————————————————————————

// Renew and release compare the stored owner token and act in one atomic
// step; a plain GET-then-SET would race with expiry.
var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, owner, ttl).Result()
}

func (s *RedisStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) ReleaseIfOwner(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, s.client, []string{key}, owner).Err()
}

package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store with the same owner-token semantics as the
// Redis implementation.
type memStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	err     error // injected backend failure
	renews  int
}

type memEntry struct {
	owner     string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]memEntry)}
}

func (s *memStore) PutIfAbsent(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if e, ok := s.entries[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memEntry{owner: owner, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *memStore) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	e, ok := s.entries[key]
	if !ok || e.owner != owner {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	s.entries[key] = e
	s.renews++
	return true, nil
}

func (s *memStore) ReleaseIfOwner(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if e, ok := s.entries[key]; ok && e.owner == owner {
		delete(s.entries, key)
	}
	return nil
}

func (s *memStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *memStore) renewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renews
}

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	m := NewManager(store, time.Second, 100*time.Millisecond, testLogger())
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "cleanup:ACC1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer lease.Release(ctx)

	if _, err := m.Acquire(ctx, "cleanup:ACC1"); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("second acquire err = %v, want ErrNotAcquired", err)
	}

	// Another key is independent.
	other, err := m.Acquire(ctx, "cleanup:ACC2")
	if err != nil {
		t.Errorf("unrelated key blocked: %v", err)
	} else {
		other.Release(ctx)
	}
}

func TestReleaseFreesTheLock(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	m := NewManager(store, time.Second, 100*time.Millisecond, testLogger())
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "cleanup:ACC1")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release(ctx)
	lease.Release(ctx) // idempotent

	again, err := m.Acquire(ctx, "cleanup:ACC1")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again.Release(ctx)
}

// Backend down means fail closed: the caller must not enter the critical
// section.
func TestBackendFailureIsNotAcquired(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.setErr(errors.New("connection refused"))
	m := NewManager(store, time.Second, 100*time.Millisecond, testLogger())

	if _, err := m.Acquire(context.Background(), "cleanup:ACC1"); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("err = %v, want ErrNotAcquired", err)
	}
}

func TestRenewalExtendsLease(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	// 90ms lease renews every 30ms.
	m := NewManager(store, 90*time.Millisecond, 50*time.Millisecond, testLogger())
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "cleanup:ACC1")
	if err != nil {
		t.Fatal(err)
	}

	// Hold past several lease lengths; renewal must keep it ours.
	time.Sleep(300 * time.Millisecond)
	if _, err := m.Acquire(ctx, "cleanup:ACC1"); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("lock stolen while held: %v", err)
	}
	if store.renewCount() == 0 {
		t.Error("no renewals recorded")
	}
	lease.Release(ctx)
}

func TestLostLeaseSignalled(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	m := NewManager(store, 90*time.Millisecond, 50*time.Millisecond, testLogger())
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "cleanup:ACC1")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(ctx)

	store.setErr(errors.New("connection reset"))

	select {
	case <-lease.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("Lost() not signalled after renewal failures")
	}
}

// A stale owner token must not free the current holder's lock.
func TestReleaseByOldOwnerDoesNotFreeNewLock(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	ctx := context.Background()

	ok, err := store.PutIfAbsent(ctx, "k", "owner-a", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatal("seed acquire failed")
	}
	time.Sleep(20 * time.Millisecond) // owner-a's lease expires

	ok, err = store.PutIfAbsent(ctx, "k", "owner-b", time.Second)
	if err != nil || !ok {
		t.Fatal("owner-b acquire after expiry failed")
	}

	if err := store.ReleaseIfOwner(ctx, "k", "owner-a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.PutIfAbsent(ctx, "k", "owner-c", time.Second); ok {
		t.Error("stale release freed owner-b's lock")
	}
	if renewed, _ := store.Renew(ctx, "k", "owner-a", time.Second); renewed {
		t.Error("stale owner renewed the lock")
	}
}

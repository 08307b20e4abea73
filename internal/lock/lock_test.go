package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, opts...), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const attempts = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leases int
		busy   int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(ctx, ProjectKey(7))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				leases++
			case errors.Is(err, ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if leases != 1 || busy != attempts-1 {
		t.Fatalf("expected 1 lease and %d busy, got %d and %d", attempts-1, leases, busy)
	}
}

func TestReleaseRejectsStaleLease(t *testing.T) {
	m, mr := newTestManager(t, WithTTL(time.Second))
	ctx := context.Background()

	first, err := m.Acquire(ctx, ProjectKey(1))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	second, err := m.Acquire(ctx, ProjectKey(1))
	if err != nil {
		t.Fatalf("re-acquire after expiry: %v", err)
	}
	if second.Token <= first.Token {
		t.Fatalf("expected increasing fencing tokens, got %d then %d", first.Token, second.Token)
	}
	if err := m.Release(ctx, first); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld for stale lease, got %v", err)
	}
	token, held, err := m.Holder(ctx, ProjectKey(1))
	if err != nil || !held || token != second.Token {
		t.Fatalf("expected newer holder to survive, got %d %v %v", token, held, err)
	}
	if err := m.Release(ctx, second); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held, _ := m.Holder(ctx, ProjectKey(1)); held {
		t.Fatal("expected lock to be free after release")
	}
}

func TestExtendRefreshesTTL(t *testing.T) {
	m, mr := newTestManager(t, WithTTL(10*time.Second))
	ctx := context.Background()
	lease, err := m.Acquire(ctx, ProjectKey(2))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(8 * time.Second)
	if err := m.Extend(ctx, lease); err != nil {
		t.Fatalf("extend: %v", err)
	}
	mr.FastForward(8 * time.Second)
	if _, held, _ := m.Holder(ctx, ProjectKey(2)); !held {
		t.Fatal("expected lock to survive after extend")
	}
}

func TestReleaserRunsOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	lease, err := m.Acquire(ctx, PathKey("/srv/app"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release := m.Releaser(lease)
	if err := release(ctx); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
	if _, err := m.Acquire(ctx, PathKey("/srv/app")); err != nil {
		t.Fatalf("expected key to be free, got %v", err)
	}
}

func TestKeepAliveStopsWhenLost(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	lease, err := m.Acquire(ctx, ProjectKey(3))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.Del(defaultPrefix + ProjectKey(3))

	done := make(chan error, 1)
	go func() { done <- m.KeepAlive(ctx, lease, 10*time.Millisecond) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrNotHeld) {
			t.Fatalf("expected ErrNotHeld, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not stop")
	}
}

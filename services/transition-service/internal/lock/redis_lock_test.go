package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/transition"
	"github.com/redis/go-redis/v9"
)

func newLocker(t *testing.T, cfg RedisLockerConfig) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg), mr
}

func TestRedisLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocker(t, RedisLockerConfig{TTL: 10 * time.Second})

	release, err := l.Lock(ctx, "u-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Lock(ctx, "u-1"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	otherRelease, err := l.Lock(ctx, "u-2")
	if err != nil {
		t.Fatalf("other user should lock independently: %v", err)
	}
	_ = otherRelease(ctx)

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := l.Lock(ctx, "u-1")
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	_ = again(ctx)
}

func TestRedisLocker_ReleaseOnlyOwnLease(t *testing.T) {
	ctx := context.Background()
	l, mr := newLocker(t, RedisLockerConfig{TTL: time.Second})

	staleRelease, err := l.Lock(ctx, "u-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	mr.FastForward(2 * time.Second)

	newRelease, err := l.Lock(ctx, "u-1")
	if err != nil {
		t.Fatalf("expected expired lease to be reclaimable: %v", err)
	}
	defer func() { _ = newRelease(ctx) }()
	if err := staleRelease(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists(l.Key("u-1")) {
		t.Fatalf("stale release removed the new owner's lease")
	}
}

func TestRedisLocker_FailOpen(t *testing.T) {
	ctx := context.Background()
	l, mr := newLocker(t, RedisLockerConfig{FailOpen: true})
	mr.Close()

	release, err := l.Lock(ctx, "u-1")
	if err != nil {
		t.Fatalf("expected fail open, got %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("noop release: %v", err)
	}

	closed, mr2 := newLocker(t, RedisLockerConfig{})
	mr2.Close()
	if _, err := closed.Lock(ctx, "u-1"); err == nil || errors.Is(err, ErrHeld) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestRedisLocker_RenewsLeaseUntilRelease(t *testing.T) {
	ctx := context.Background()
	ttl := 300 * time.Millisecond
	l, mr := newLocker(t, RedisLockerConfig{TTL: ttl})
	key := l.Key("u-1")

	release, err := l.Lock(ctx, "u-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	mr.SetTTL(key, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for mr.TTL(key) != ttl {
		if time.Now().After(deadline) {
			t.Fatalf("lease was not renewed, ttl %s", mr.TTL(key))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("expected lease to be released")
	}

	// A stopped renewer must not touch a lease taken by someone else.
	_ = mr.Set(key, "other")
	mr.SetTTL(key, 10*time.Millisecond)
	time.Sleep(ttl)
	if got := mr.TTL(key); got != 10*time.Millisecond {
		t.Fatalf("expected foreign lease untouched, ttl %s", got)
	}
}

func TestRedisLocker_HeldIsEngineSentinel(t *testing.T) {
	if !errors.Is(ErrHeld, transition.ErrLockHeld) {
		t.Fatalf("ErrHeld must match transition.ErrLockHeld")
	}
}

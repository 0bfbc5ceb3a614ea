package lock

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/transition"
	"github.com/redis/go-redis/v9"
)

// ErrHeld means another instance is running a pass for the same user. It is
// the engine's ErrLockHeld, so triggered passes retry on it.
var ErrHeld = transition.ErrLockHeld

// RedisLocker is a per-user mutual exclusion lock shared by every
// transition-service instance. Each lease carries a random token so an
// instance can only release its own lease.
type RedisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	prefix   string
	failOpen bool
	logger   *slog.Logger
}

type RedisLockerConfig struct {
	TTL    time.Duration
	Prefix string
	// FailOpen lets passes run when Redis itself is unreachable.
	FailOpen bool
}

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

func NewRedisLocker(rdb *redis.Client, logger *slog.Logger, cfg RedisLockerConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "transition:lock"
	}
	return &RedisLocker{rdb: rdb, ttl: cfg.TTL, prefix: prefix, failOpen: cfg.FailOpen, logger: logger}
}

func (l *RedisLocker) Key(userID string) string {
	return l.prefix + ":" + userID
}

// Lock takes the user's lease and extends it every TTL/3 until release is
// called. A crashed holder's lease expires after at most one TTL.
func (l *RedisLocker) Lock(ctx context.Context, userID string) (func(context.Context) error, error) {
	key := l.Key(userID)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		if l.failOpen {
			l.logger.Warn("redis pass lock unavailable, running unlocked", "err", err, "user_id", userID)
			return func(context.Context) error { return nil }, nil
		}
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go l.renew(renewCtx, key, token, userID, done)

	return func(ctx context.Context) error {
		stop()
		<-done
		return releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
	}, nil
}

func (l *RedisLocker) renew(ctx context.Context, key, token, userID string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := extendScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
		switch {
		case err != nil && ctx.Err() == nil:
			l.logger.Warn("pass lock renewal failed", "err", err, "user_id", userID)
		case err == nil && n == 0:
			l.logger.Error("pass lock lost while held", "user_id", userID)
			return
		}
	}
}

func ReadyCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/benchrank/internal/domain/model"
)

// DefaultKey is the Redis key holding the run lock.
const DefaultKey = "benchrank:run-lock"

// The lease is stored as a hash so the scripts can compare tokens without
// decoding a payload. Timestamps are unix milliseconds.
var (
	acquireScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then
  return redis.call("hmget", KEYS[1], "holder", "token", "acquired_at", "heartbeat_at")
end
redis.call("hset", KEYS[1], "holder", ARGV[1], "token", ARGV[2], "acquired_at", ARGV[3], "heartbeat_at", ARGV[3])
redis.call("pexpire", KEYS[1], ARGV[4])
return false
`)

	refreshScript = redis.NewScript(`
if redis.call("hget", KEYS[1], "token") == ARGV[1] then
  redis.call("hset", KEYS[1], "heartbeat_at", ARGV[2])
  redis.call("pexpire", KEYS[1], ARGV[3])
  return 1
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("hget", KEYS[1], "token") == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)
)

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithKey sets the lock key.
func WithKey(key string) RedisOption {
	return func(l *RedisLocker) {
		if key != "" {
			l.key = key
		}
	}
}

// WithStaleAfter sets the heartbeat window.
func WithStaleAfter(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

// WithClock sets the clock used for lease timestamps.
func WithClock(clock func() time.Time) RedisOption {
	return func(l *RedisLocker) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// RedisLocker is a Locker shared by every replica pointing at the same Redis.
//
// The key carries a hard TTL of four heartbeat windows so a crashed holder
// disappears even when no supervisor is running.
type RedisLocker struct {
	rdb        redis.UniversalClient
	key        string
	staleAfter time.Duration
	clock      func() time.Time
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a RedisLocker on rdb.
func NewRedisLocker(rdb redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{rdb: rdb, key: DefaultKey, staleAfter: DefaultStaleAfter, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) ttl() time.Duration { return 4 * l.staleAfter }

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, holder string) (Lease, error) {
	now := l.clock()
	lease := Lease{Holder: holder, Token: newToken(), AcquiredAt: now, HeartbeatAt: now}
	res, err := acquireScript.Run(ctx, l.rdb, []string{l.key},
		holder, lease.Token, now.UnixMilli(), l.ttl().Milliseconds(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return lease, nil
	}
	if err != nil {
		return Lease{}, fmt.Errorf("acquire run lock: %w", err)
	}
	cur, err := decodeLease(res)
	if err != nil {
		return Lease{}, err
	}
	if cur.Stale(now, l.staleAfter) {
		return Lease{}, &model.LockStaleError{Holder: cur.Holder, HeartbeatAt: cur.HeartbeatAt, Age: now.Sub(cur.HeartbeatAt)}
	}
	return Lease{}, &model.ConcurrentRunError{Holder: cur.Holder, AcquiredAt: cur.AcquiredAt}
}

// Refresh implements Locker.
func (l *RedisLocker) Refresh(ctx context.Context, lease Lease) (Lease, error) {
	now := l.clock()
	ok, err := refreshScript.Run(ctx, l.rdb, []string{l.key},
		lease.Token, now.UnixMilli(), l.ttl().Milliseconds(),
	).Int()
	if err != nil {
		return Lease{}, fmt.Errorf("refresh run lock: %w", err)
	}
	if ok == 0 {
		return Lease{}, ErrLockNotHeld
	}
	lease.HeartbeatAt = time.UnixMilli(now.UnixMilli())
	return lease, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, lease Lease) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Inspect implements Locker.
func (l *RedisLocker) Inspect(ctx context.Context) (Lease, bool, error) {
	vals, err := l.rdb.HMGet(ctx, l.key, "holder", "token", "acquired_at", "heartbeat_at").Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("inspect run lock: %w", err)
	}
	if vals[1] == nil {
		return Lease{}, false, nil
	}
	lease, err := decodeLease(vals)
	if err != nil {
		return Lease{}, false, err
	}
	return lease, true, nil
}

// StaleAfter implements Locker.
func (l *RedisLocker) StaleAfter() time.Duration { return l.staleAfter }

func decodeLease(vals []any) (Lease, error) {
	if len(vals) != 4 {
		return Lease{}, fmt.Errorf("decode run lock: want 4 fields, got %d", len(vals))
	}
	str := func(v any) string {
		s, _ := v.(string)
		return s
	}
	millis := func(v any) (time.Time, error) {
		n, err := strconv.ParseInt(str(v), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("decode run lock timestamp: %w", err)
		}
		return time.UnixMilli(n), nil
	}
	acquired, err := millis(vals[2])
	if err != nil {
		return Lease{}, err
	}
	heartbeat, err := millis(vals[3])
	if err != nil {
		return Lease{}, err
	}
	return Lease{Holder: str(vals[0]), Token: str(vals[1]), AcquiredAt: acquired, HeartbeatAt: heartbeat}, nil
}

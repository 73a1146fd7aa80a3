package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"targeting/pkg/platform/sentinel"
)

// releaseScript deletes the key only when it still holds our token, so an
// expired lease never frees a lock another worker has since taken.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX on a shared Redis.
// This is the production implementation: workers on different hosts contend
// for the same keys.
type RedisLocker struct {
	client *redis.Client
	opts   Options
}

// NewRedisLocker constructs a Redis-backed locker.
func NewRedisLocker(client *redis.Client, opts Options) *RedisLocker {
	return &RedisLocker{client: client, opts: opts.withDefaults()}
}

// Acquire polls SET NX until it wins or AcquireTimeout elapses.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	ctx, span := tracer.Start(ctx, "lock.acquire", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	start := time.Now()
	deadline := start.Add(l.opts.AcquireTimeout)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			observeWait(start, "error")
			span.RecordError(err)
			span.SetStatus(codes.Error, "redis error")
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			observeWait(start, "acquired")
			return &redisLease{client: l.client, key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			observeWait(start, "timeout")
			span.SetStatus(codes.Error, "timeout")
			return nil, fmt.Errorf("%w: %s after %s", sentinel.ErrLockNotAcquired, key, l.opts.AcquireTimeout)
		}
		if err := waitPoll(ctx, l.opts.PollInterval); err != nil {
			observeWait(start, "error")
			return nil, err
		}
	}
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", r.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", sentinel.ErrLockLost, r.key)
	}
	return nil
}

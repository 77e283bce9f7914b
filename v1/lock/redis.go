package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	lserrors "github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/syncbus"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// defaultRetryInterval bounds how long Acquire waits for an unlock event
// before polling Redis again. TTL expiry in Redis publishes no event, so
// waiters must not rely on the bus alone.
const defaultRetryInterval = 50 * time.Millisecond

// Redis implements Locker using a Redis backend. Each lock is a key holding a
// random token; only the locker that wrote the token can delete it.
type Redis struct {
	id     string
	client redis.UniversalClient
	bus    syncbus.Bus
	prefix string
	retry  time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces the Redis keys used for locks.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithRetryInterval sets how often Acquire polls Redis while waiting.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retry = d
		}
	}
}

// NewRedis returns a new Redis locker using the provided client. Waiters are
// woken by unlock events on bus; a nil bus only reaches lockers sharing this
// process, so lockers in different processes should share a RedisBus.
func NewRedis(client redis.UniversalClient, bus syncbus.Bus, opts ...RedisOption) *Redis {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	r := &Redis{
		id:     uuid.NewString(),
		client: client,
		bus:    bus,
		prefix: "lockstep:",
		retry:  defaultRetryInterval,
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) redisKey(key string) string { return r.prefix + key }

// TryLock attempts to obtain the lock without waiting.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.redisKey(key), token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
		r.publish(ctx, key, syncbus.Event{Kind: syncbus.KindLock, TTL: ttl})
	}
	return ok, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, err := r.acquireOnce(ctx, key, ttl)
		if err != nil || ok {
			return err
		}
	}
}

// acquireOnce tries the lock and, if it is taken, waits for an unlock event,
// the retry interval or ctx, whichever comes first.
func (r *Redis) acquireOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe first so an unlock between TryLock and the wait is not lost.
	ch, err := r.bus.Subscribe(waitCtx, syncbus.LockTopic(key))
	if err != nil {
		return false, err
	}
	ok, err := r.TryLock(ctx, key, ttl)
	if err != nil || ok {
		return ok, err
	}
	timer := time.NewTimer(r.retry)
	defer timer.Stop()
	for {
		select {
		case ev, open := <-ch:
			if open && ev.Kind != syncbus.KindUnlock {
				continue
			}
		case <-timer.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return false, nil
	}
}

// Release frees the lock for the given key. It returns ErrNotHeld when this
// locker never took key or the lock expired and was taken by someone else.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return lserrors.ErrNotHeld
	}
	n, err := delScript.Run(ctx, r.client, []string{r.redisKey(key)}, token).Int64()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.tokens, key)
	r.mu.Unlock()
	if n == 0 {
		return lserrors.ErrNotHeld
	}
	r.publish(ctx, key, syncbus.Event{Kind: syncbus.KindUnlock})
	return nil
}

func (r *Redis) publish(ctx context.Context, key string, ev syncbus.Event) {
	ev.Origin = r.id
	_ = r.bus.Publish(context.WithoutCancel(ctx), syncbus.LockTopic(key), ev)
}

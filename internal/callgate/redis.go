package callgate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript claims a destination key and adds the holder to the active
// set, scored by expiry so crashed holders age out.
//
// KEYS: destination key, active set. ARGV: holder, max, ttl ms, now ms.
var acquireScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", ARGV[4])
if redis.call("EXISTS", KEYS[1]) == 1 then
  return -1
end
if redis.call("ZCARD", KEYS[2]) >= tonumber(ARGV[2]) then
  return -2
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
redis.call("ZADD", KEYS[2], tonumber(ARGV[4]) + tonumber(ARGV[3]), ARGV[1])
return 1
`)

// releaseScript drops the holder and frees the destination if it still
// owns it.
var releaseScript = redis.NewScript(`
redis.call("ZREM", KEYS[2], ARGV[1])
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// Redis is a Gate shared by every bridge instance pointing at the same
// Redis database.
type Redis struct {
	client *redis.Client
	max    int
	ttl    time.Duration
	prefix string
}

// NewRedis connects to the Redis server at url (redis://...) and checks it
// is reachable.
func NewRedis(ctx context.Context, url string, limit int, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Redis{client: client, max: limit, ttl: ttl, prefix: "voicebridge:gate:"}, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) destKey(destination string) string {
	return r.prefix + "dest:" + destination
}

func (r *Redis) activeKey() string {
	return r.prefix + "active"
}

// Acquire claims the destination for holder.
func (r *Redis) Acquire(ctx context.Context, destination, holder string) error {
	now := time.Now().UnixMilli()
	res, err := acquireScript.Run(ctx, r.client,
		[]string{r.destKey(destination), r.activeKey()},
		holder, r.max, r.ttl.Milliseconds(), now,
	).Int()
	if err != nil {
		return fmt.Errorf("acquiring call slot: %w", err)
	}
	switch res {
	case -1:
		return ErrBusy
	case -2:
		return ErrAtCapacity
	}
	return nil
}

// Release frees the destination if holder still owns it.
func (r *Redis) Release(ctx context.Context, destination, holder string) error {
	err := releaseScript.Run(ctx, r.client,
		[]string{r.destKey(destination), r.activeKey()},
		holder,
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("releasing call slot: %w", err)
	}
	return nil
}

// Active returns the number of unexpired slots.
func (r *Redis) Active(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	n, err := r.client.ZCount(ctx, r.activeKey(), fmt.Sprint(now), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("counting active calls: %w", err)
	}
	return int(n), nil
}

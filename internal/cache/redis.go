package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "mediaforge:cache:"

// Redis is a Redis-backed Cache. Entries are stored as JSON with an optional
// TTL; dependent-file validation happens on the consumer side, so a hit with
// missing files is evicted and reported as a miss.
type Redis struct {
	rc     *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis connects to Redis and verifies the connection. A ttl of 0 keeps
// entries until evicted.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}

	rc := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{rc: rc, ttl: ttl, prefix: defaultKeyPrefix}, nil
}

func (r *Redis) Lookup(ctx context.Context, key string) (*Entry, error) {
	raw, err := r.rc.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup %s: %w", key, err)
	}

	e := &Entry{}
	if err := json.Unmarshal([]byte(raw), e); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	if !e.FilesIntact() {
		r.rc.Del(ctx, r.prefix+key)
		return nil, nil
	}
	return e, nil
}

func (r *Redis) Store(ctx context.Context, key string, e *Entry) error {
	if e == nil {
		return fmt.Errorf("store nil cache entry for key %s", key)
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	if err := r.rc.Set(ctx, r.prefix+key, buf, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache store %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rc.Close()
}

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore keeps the whole state under one key. A single SET replaces it
// atomically.
type RedisStore struct {
	client redisClient
	key    string
}

// NewRedisStore connects to the server at rawURL. Plain host:port addresses
// are accepted as well as redis:// URLs.
func NewRedisStore(ctx context.Context, rawURL, name string) (*RedisStore, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		opt = &redis.Options{Addr: rawURL}
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &PersistenceError{Op: "connect", Err: fmt.Errorf("redis ping: %w", err)}
	}
	return &RedisStore{client: client, key: redisKey(name)}, nil
}

func redisKey(name string) string {
	return name + ":run_state"
}

func (s *RedisStore) Load(ctx context.Context) (RunState, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return Empty(), nil
	}
	if err != nil {
		return RunState{}, &PersistenceError{Op: "load", Err: err}
	}

	var r record
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return RunState{}, &PersistenceError{Op: "load", Err: fmt.Errorf("decode %s: %w", s.key, err)}
	}
	return fromRecord(r), nil
}

func (s *RedisStore) Save(ctx context.Context, st RunState) error {
	data, err := json.Marshal(toRecord(st))
	if err != nil {
		return &PersistenceError{Op: "save", Err: fmt.Errorf("encode: %w", err)}
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

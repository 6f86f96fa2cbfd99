package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/lockstep/internal/core"
)

// RedisStore is a ConfigStore backed by one Redis hash, shared by all
// participants of a session.
type RedisStore struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

var _ core.ConfigStore = (*RedisStore)(nil)

// RedisConfig holds the connection settings of a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Key is the hash holding the session configuration.
	Key string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Key == "" {
		cfg.Key = "lockstep:config"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, core.Wrap(core.CodeNotFound, "config.NewRedisStore", err, "redis "+cfg.Addr)
	}
	return &RedisStore{client: client, key: cfg.Key, timeout: 2 * time.Second}, nil
}

func (s *RedisStore) GetValue(path string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	v, err := s.client.HGet(ctx, s.key, path).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (s *RedisStore) SetValue(path, value string) error {
	if path == "" {
		return core.Errorf(core.CodeInvalidArgument, "config.RedisStore.SetValue", "empty path")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.HSet(ctx, s.key, path, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", path, err)
	}
	return nil
}

// Publish writes values in one round trip.
func (s *RedisStore) Publish(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(values))
	for k, v := range values {
		args = append(args, k, v)
	}
	if err := s.client.HSet(ctx, s.key, args...).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", s.key, err)
	}
	return nil
}

// LoadInto merges the whole hash into t. Keys already set in t win unless
// overwrite is true.
func (s *RedisStore) LoadInto(ctx context.Context, t *Tree, overwrite bool) (int, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis hgetall %s: %w", s.key, err)
	}
	merged := make(map[string]string, len(values))
	for k, v := range values {
		if _, ok := t.GetValue(k); ok && !overwrite {
			continue
		}
		merged[k] = v
	}
	t.Merge(merged)
	return len(merged), nil
}

// Snapshot returns every value at or below prefix. Errors yield an empty
// map.
func (s *RedisStore) Snapshot(prefix string) map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	out := make(map[string]string)
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return out
	}
	for k, v := range values {
		if prefix == "" || k == prefix || strings.HasPrefix(k, prefix+".") {
			out[k] = v
		}
	}
	return out
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the backend writes.
const DefaultRedisPrefix = "codemode"

// RedisBackend stores each record under <prefix>:<ns>:<key> and tracks the
// keys of a namespace in the set <prefix>:<ns>:_index.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures NewRedisBackend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis store: address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis store: ping %s: %w", cfg.Addr, err)
	}
	return &RedisBackend{client: client, prefix: cfg.Prefix}, nil
}

func (b *RedisBackend) key(ns, key string) string {
	return b.prefix + ":" + ns + ":" + key
}

// Keys never start with "_", so the index cannot collide with a record.
func (b *RedisBackend) index(ns string) string {
	return b.prefix + ":" + ns + ":_index"
}

func (b *RedisBackend) Get(ctx context.Context, ns, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key(ns, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting %s/%s: %w", ns, key, err)
	}
	return data, nil
}

func (b *RedisBackend) Put(ctx context.Context, ns, key string, data []byte) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.key(ns, key), data, 0)
		pipe.SAdd(ctx, b.index(ns), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("putting %s/%s: %w", ns, key, err)
	}
	return nil
}

func (b *RedisBackend) Create(ctx context.Context, ns, key string, data []byte) error {
	ok, err := b.client.SetNX(ctx, b.key(ns, key), data, 0).Result()
	if err != nil {
		return fmt.Errorf("creating %s/%s: %w", ns, key, err)
	}
	if !ok {
		return ErrExists
	}
	if err := b.client.SAdd(ctx, b.index(ns), key).Err(); err != nil {
		return fmt.Errorf("indexing %s/%s: %w", ns, key, err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, ns, key string) error {
	var del *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, b.key(ns, key))
		pipe.SRem(ctx, b.index(ns), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", ns, key, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context, ns string) ([]string, error) {
	keys, err := b.client.SMembers(ctx, b.index(ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ns, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/dshills/dataflow-go/graph"
)

// RedisStore shares completed resources between nodes through Redis. Each
// resource is a plain key below the store prefix.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

var _ graph.ResourceProvider = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default: "dataflow:resource:".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires published resources. Default: no expiration.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore connects to a Redis server.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(client, opts...)
}

// NewRedisStoreFromClient creates a store on an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "dataflow:resource:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Publish stores one resource.
func (s *RedisStore) Publish(ctx context.Context, id string, data []byte) error {
	if err := s.client.Set(ctx, s.key(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("publish resource %s: %w", id, err)
	}
	return nil
}

// PublishAll copies every resource registered in a FileStore in one
// pipeline.
func (s *RedisStore) PublishAll(ctx context.Context, from *FileStore) (int, error) {
	pipe := s.client.Pipeline()
	n := 0
	_ = from.Each(func(_ Kind, id string, data []byte) error {
		pipe.Set(ctx, s.key(id), data, s.ttl)
		n++
		return nil
	})
	if n == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("publish resources: %w", err)
	}
	return n, nil
}

// Lookup implements graph.ResourceProvider.
func (s *RedisStore) Lookup(ctx context.Context, id string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, fmt.Errorf("%w: %s", graph.ErrResourceUnavailable, id)
		}
		return nil, fmt.Errorf("lookup resource %s: %w", id, err)
	}
	return b, nil
}

// Delete removes resources. Unknown ids are ignored.
func (s *RedisStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete resources: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

package declarative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a SpecStore backed by Redis. Each spec is stored as a JSON
// string under <prefix>spec:<id>; an index set tracks the known IDs.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore wraps an existing client. An empty prefix means "agentrun:".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentrun:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) specKey(id string) string {
	return s.keyPrefix + "spec:" + id
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "specs"
}

// Put validates and stores a spec.
func (s *RedisStore) Put(ctx context.Context, spec *PartialSpec) error {
	if err := ValidatePartial(spec); err != nil {
		return err
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal agent spec: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.specKey(spec.ID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), spec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Get implements SpecStore.
func (s *RedisStore) Get(ctx context.Context, id string) (*PartialSpec, error) {
	data, err := s.client.Get(ctx, s.specKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get agent spec %s: %w", id, err)
	}

	var spec PartialSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode agent spec %s: %w", id, err)
	}
	return &spec, nil
}

// Delete removes a spec.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.specKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// IDs lists all stored spec IDs.
func (s *RedisStore) IDs(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.indexKey()).Result()
}

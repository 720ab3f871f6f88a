package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/replaykit/replaykit/pattern"
)

// watchRetries bounds optimistic-transaction retries on contended
// confidence updates.
const watchRetries = 5

// RedisStore is a Redis-backed implementation of PatternStore.
// Suitable for distributed deployments. Pattern records are stored as
// JSON strings with set indexes per action type; UpdateConfidence uses
// a WATCH transaction so concurrent updates on the same pattern never
// lose counter increments.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	config    Config
}

// NewRedisStore creates a Redis-backed pattern store and verifies the
// connection.
func NewRedisStore(config Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "replaykit:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "pattern:",
		config:    config,
	}, nil
}

func (s *RedisStore) dataKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisStore) actionKey(actionType pattern.ActionType) string {
	return s.keyPrefix + "action:" + string(actionType)
}

func (s *RedisStore) allKey() string {
	return s.keyPrefix + "all"
}

// Put inserts or replaces a pattern and maintains the indexes.
func (s *RedisStore) Put(ctx context.Context, p *pattern.Pattern) error {
	if p == nil || p.ID == "" {
		return ErrInvalidInput
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}

	// Clean up the old action index if the action type changed.
	old, err := s.Get(ctx, p.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(p.ID), data, 0)
	pipe.SAdd(ctx, s.allKey(), p.ID)
	pipe.SAdd(ctx, s.actionKey(p.ActionType), p.ID)
	if old != nil && old.ActionType != p.ActionType {
		pipe.SRem(ctx, s.actionKey(old.ActionType), p.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns the pattern with the given ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var p pattern.Pattern
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pattern %s: %w", id, err)
	}
	return &p, nil
}

// All returns every stored pattern.
func (s *RedisStore) All(ctx context.Context) ([]*pattern.Pattern, error) {
	ids, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return nil, err
	}
	return s.getMany(ctx, ids)
}

// FindByActionType returns patterns of the given action type.
func (s *RedisStore) FindByActionType(ctx context.Context, actionType pattern.ActionType) ([]*pattern.Pattern, error) {
	ids, err := s.client.SMembers(ctx, s.actionKey(actionType)).Result()
	if err != nil {
		return nil, err
	}
	return s.getMany(ctx, ids)
}

func (s *RedisStore) getMany(ctx context.Context, ids []string) ([]*pattern.Pattern, error) {
	result := make([]*pattern.Pattern, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // index ahead of data; skip
		}
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// UpdateConfidence applies the confidence delta with a WATCH
// transaction on the pattern key, retrying on contention.
func (s *RedisStore) UpdateConfidence(ctx context.Context, id string, delta float64, outcome Outcome, reason string) (*pattern.Pattern, error) {
	key := s.dataKey(id)
	var updated *pattern.Pattern

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var p pattern.Pattern
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal pattern %s: %w", id, err)
		}
		applyUpdate(&p, delta, outcome, reason, s.config.FailureHistoryLimit, time.Now())

		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &p
		return nil
	}

	for i := 0; i < watchRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update confidence for %s: transaction contention", id)
}

// Delete removes a pattern and its index entries.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(id))
	pipe.SRem(ctx, s.allKey(), id)
	pipe.SRem(ctx, s.actionKey(p.ActionType), id)
	_, err = pipe.Exec(ctx)
	return err
}

// ImportAll inserts or replaces the given patterns.
func (s *RedisStore) ImportAll(ctx context.Context, patterns []*pattern.Pattern) (int, error) {
	count := 0
	for _, p := range patterns {
		if p == nil || p.ID == "" {
			continue
		}
		if err := s.Put(ctx, p); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ExportAll returns every stored pattern.
func (s *RedisStore) ExportAll(ctx context.Context) ([]*pattern.Pattern, error) {
	return s.All(ctx)
}

// Stats returns aggregate statistics.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	patterns, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return statsOf(patterns), nil
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore implements PatternStore
var _ PatternStore = (*RedisStore)(nil)

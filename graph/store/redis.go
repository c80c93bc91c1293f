package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of Store[S].
//
// Step records live in a hash per run indexed by a sorted set scored by step
// number; the pause checkpoint is a single JSON value per run. A non-zero TTL
// expires both, which bounds how long an unanswered approval is kept.
//
// Keys (prefix defaults to "neuroflow:"):
//   - <prefix>steps:<run>   hash step -> StepRecord JSON
//   - <prefix>stepidx:<run> sorted set of step numbers
//   - <prefix>checkpoint:<run>
type RedisStore[S any] struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore[S any](client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore[S] {
	if keyPrefix == "" {
		keyPrefix = "neuroflow:"
	}
	return &RedisStore[S]{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// DialRedisStore connects to addr and verifies the connection.
func DialRedisStore[S any](ctx context.Context, addr, password string, db int, keyPrefix string, ttl time.Duration) (*RedisStore[S], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore[S](client, keyPrefix, ttl), nil
}

func (s *RedisStore[S]) stepsKey(runID string) string      { return s.keyPrefix + "steps:" + runID }
func (s *RedisStore[S]) stepIndexKey(runID string) string  { return s.keyPrefix + "stepidx:" + runID }
func (s *RedisStore[S]) checkpointKey(runID string) string { return s.keyPrefix + "checkpoint:" + runID }

// SaveStep implements Store.
func (s *RedisStore[S]) SaveStep(ctx context.Context, runID string, step int, stage string, state S) error {
	data, err := json.Marshal(StepRecord[S]{Step: step, Stage: stage, State: state})
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}

	field := strconv.Itoa(step)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.stepsKey(runID), field, data)
	pipe.ZAdd(ctx, s.stepIndexKey(runID), redis.Z{Score: float64(step), Member: field})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.stepsKey(runID), s.ttl)
		pipe.Expire(ctx, s.stepIndexKey(runID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (s *RedisStore[S]) LoadLatest(ctx context.Context, runID string) (state S, step int, err error) {
	var zero S

	top, err := s.client.ZRevRange(ctx, s.stepIndexKey(runID), 0, 0).Result()
	if err != nil {
		return zero, 0, fmt.Errorf("failed to read step index: %w", err)
	}
	if len(top) == 0 {
		return zero, 0, ErrNotFound
	}

	data, err := s.client.HGet(ctx, s.stepsKey(runID), top[0]).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, 0, ErrNotFound
	}
	if err != nil {
		return zero, 0, fmt.Errorf("failed to load step: %w", err)
	}

	var record StepRecord[S]
	if err := json.Unmarshal(data, &record); err != nil {
		return zero, 0, fmt.Errorf("failed to unmarshal step: %w", err)
	}
	return record.State, record.Step, nil
}

// SaveCheckpoint implements Store.
func (s *RedisStore[S]) SaveCheckpoint(ctx context.Context, cp Checkpoint[S]) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run ID cannot be empty")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.checkpointKey(cp.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *RedisStore[S]) LoadCheckpoint(ctx context.Context, runID string) (Checkpoint[S], error) {
	data, err := s.client.Get(ctx, s.checkpointKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint[S]{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp Checkpoint[S]
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// DeleteCheckpoint implements Store.
func (s *RedisStore[S]) DeleteCheckpoint(ctx context.Context, runID string) error {
	n, err := s.client.Del(ctx, s.checkpointKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the connection.
func (s *RedisStore[S]) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore[S]) Close() error {
	return s.client.Close()
}

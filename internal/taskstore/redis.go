package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"transcription-webhook-go/internal/types"
)

const casRetries = 5

// RedisStore keeps each task in a hash (fields "state" and "data") and
// indexes non-terminal tasks in one sorted set per state, scored by
// UpdatedAt in unix milliseconds.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "transcription"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":task:" + id
}

func (s *RedisStore) indexKey(state types.State) string {
	return s.prefix + ":state:" + string(state)
}

func (s *RedisStore) Create(ctx context.Context, t *types.Task) error {
	if err := checkCreate(t); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := s.key(t.ID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "state", string(t.State), "data", data)
			pipe.ZAdd(ctx, s.indexKey(t.State), redis.Z{Score: score(t.UpdatedAt), Member: t.ID})
			return nil
		})
		return err
	})
}

func (s *RedisStore) Get(ctx context.Context, id string) (*types.Task, error) {
	data, err := s.rdb.HGet(ctx, s.key(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeTask(data)
}

func (s *RedisStore) CompareAndSet(ctx context.Context, t *types.Task, expected types.State) error {
	return s.swap(ctx, t, expected, time.Time{})
}

func (s *RedisStore) ExpireStale(ctx context.Context, t *types.Task, expected types.State, cutoff time.Time) error {
	return s.swap(ctx, t, expected, cutoff)
}

func (s *RedisStore) swap(ctx context.Context, t *types.Task, expected types.State, cutoff time.Time) error {
	if err := checkTransition(t, expected); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := s.key(t.ID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "state").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if types.State(cur) != expected {
			return ErrConflict
		}
		if !cutoff.IsZero() {
			raw, err := tx.HGet(ctx, key, "data").Bytes()
			if err != nil {
				return err
			}
			stored, err := decodeTask(raw)
			if err != nil {
				return err
			}
			if !stored.UpdatedAt.Before(cutoff) {
				return ErrConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "state", string(t.State), "data", data)
			pipe.ZRem(ctx, s.indexKey(expected), t.ID)
			if !t.State.IsTerminal() {
				pipe.ZAdd(ctx, s.indexKey(t.State), redis.Z{Score: score(t.UpdatedAt), Member: t.ID})
			}
			return nil
		})
		return err
	})
}

func (s *RedisStore) ListStale(ctx context.Context, state types.State, cutoff time.Time) ([]*types.Task, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(state), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list stale: %w", err)
	}
	var out []*types.Task
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.State == state {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// watch runs fn under WATCH key, retrying when another client touched the key
// between the read and the EXEC.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

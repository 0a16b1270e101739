package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

const (
	redisTxPrefix       = "transaction:"
	redisKeyPrefix      = "idempotency:"
	redisPendingIndex   = "transactions:pending"
	redisCompletedIndex = "transactions:completed"

	// watchRetries bounds optimistic retries when a watched key changes under us.
	watchRetries = 10
)

// RedisStore keeps transactions as JSON records in Redis. Every mutation runs
// inside WATCH/MULTI on the record key, so a concurrent writer aborts the
// transaction and the loser re-reads the new state.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func txKey(id string) string { return redisTxPrefix + id }

func idempotencyKey(key string) string { return redisKeyPrefix + key }

func score(t time.Time) float64 { return float64(t.UnixNano()) }

// watch runs fn under WATCH keys, retrying while another client wins the race.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < watchRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis watch on %v: %w", keys, redis.TxFailedErr)
}

func load(ctx context.Context, c redis.Cmdable, id string) (*models.Transaction, error) {
	data, err := c.Get(ctx, txKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	var tx models.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", id, err)
	}
	return &tx, nil
}

func (s *RedisStore) Create(ctx context.Context, tx *models.Transaction) (string, bool, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode transaction: %w", err)
	}

	keys := []string{txKey(tx.ID)}
	if tx.IdempotencyKey != "" {
		keys = append(keys, idempotencyKey(tx.IdempotencyKey))
	}

	var existingID string
	err = s.watch(ctx, func(rtx *redis.Tx) error {
		existingID = ""
		n, err := rtx.Exists(ctx, txKey(tx.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateID
		}

		if tx.IdempotencyKey != "" {
			mapped, err := rtx.Get(ctx, idempotencyKey(tx.IdempotencyKey)).Result()
			switch {
			case err == nil:
				existing, err := load(ctx, rtx, mapped)
				if err == nil && existing.State != models.StateExpired {
					existingID = mapped
					return nil
				}
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
			case !errors.Is(err, redis.Nil):
				return err
			}
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, txKey(tx.ID), data, 0)
			if tx.IdempotencyKey != "" {
				pipe.Set(ctx, idempotencyKey(tx.IdempotencyKey), tx.ID, 0)
			}
			pipe.ZAdd(ctx, redisPendingIndex, redis.Z{Score: score(tx.CreatedAt), Member: tx.ID})
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return "", false, err
	}
	if existingID != "" {
		return existingID, false, nil
	}
	return tx.ID, true, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return load(ctx, s.rdb, id)
}

func (s *RedisStore) TryTransition(ctx context.Context, id string, tr models.Transition) (bool, error) {
	var applied bool
	err := s.watch(ctx, func(rtx *redis.Tx) error {
		applied = false
		tx, err := load(ctx, rtx, id)
		if err != nil {
			return err
		}
		if tx.State != tr.From || !models.CanTransition(tr.From, tr.To) {
			return nil
		}

		tr.Apply(tx)
		data, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("failed to encode transaction: %w", err)
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, txKey(id), data, 0)
			if tr.To.IsTerminal() {
				pipe.ZRem(ctx, redisPendingIndex, id)
				pipe.ZAdd(ctx, redisCompletedIndex, redis.Z{Score: score(tr.At), Member: id})
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}, txKey(id))
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *RedisStore) ListExpirable(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	txs, err := s.listIndex(ctx, redisPendingIndex, cutoff)
	if err != nil {
		return nil, err
	}
	out := txs[:0]
	for _, tx := range txs {
		if isPending(tx.State) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *RedisStore) ListCompleted(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	return s.listIndex(ctx, redisCompletedIndex, cutoff)
}

func (s *RedisStore) listIndex(ctx context.Context, index string, cutoff time.Time) ([]models.Transaction, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", index, err)
	}

	out := make([]models.Transaction, 0, len(ids))
	for _, id := range ids {
		tx, err := load(ctx, s.rdb, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, nil
}

func (s *RedisStore) Evict(ctx context.Context, id string) error {
	return s.watch(ctx, func(rtx *redis.Tx) error {
		tx, err := load(ctx, rtx, id)
		if errors.Is(err, ErrNotFound) {
			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, redisPendingIndex, id)
				pipe.ZRem(ctx, redisCompletedIndex, id)
				return nil
			})
			return err
		}
		if err != nil {
			return err
		}

		releaseKey := false
		if tx.IdempotencyKey != "" {
			if err := rtx.Watch(ctx, idempotencyKey(tx.IdempotencyKey)).Err(); err != nil {
				return err
			}
			mapped, err := rtx.Get(ctx, idempotencyKey(tx.IdempotencyKey)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			releaseKey = mapped == id
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, txKey(id))
			pipe.ZRem(ctx, redisPendingIndex, id)
			pipe.ZRem(ctx, redisCompletedIndex, id)
			if releaseKey {
				pipe.Del(ctx, idempotencyKey(tx.IdempotencyKey))
			}
			return nil
		})
		return err
	}, txKey(id))
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

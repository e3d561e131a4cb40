package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codeduel-backend/internal/battle"
	"codeduel-backend/internal/logging"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	queueKey     = "matchmaking:queue"
	maxTxRetries = 100
)

// RedisMatchQueue is the shared matchmaking list. Entries are JSON encoded and
// kept in arrival order; the whole list expires together after ttl without a
// new enqueue.
type RedisMatchQueue struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisMatchQueue(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisMatchQueue {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMatchQueue{client: client, ttl: ttl, logger: logger.Named("queue")}
}

type queuedEntry struct {
	raw   string
	entry battle.MatchmakingEntry
	ok    bool
}

// Enqueue replaces any earlier entry of the same user, appends the new one and
// refreshes the queue-wide expiry.
func (q *RedisMatchQueue) Enqueue(ctx context.Context, entry battle.MatchmakingEntry) error {
	start := time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}

	replaced := 0
	err = q.watch(ctx, func(tx *redis.Tx) error {
		entries, err := readEntries(ctx, tx)
		if err != nil {
			return err
		}
		replaced = 0
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, e := range entries {
				if e.ok && e.entry.UserID == entry.UserID {
					pipe.LRem(ctx, queueKey, 1, e.raw)
					replaced++
				}
			}
			pipe.RPush(ctx, queueKey, data)
			pipe.Expire(ctx, queueKey, q.ttl)
			return nil
		})
		return err
	})
	if err != nil {
		q.logger.Warn("[QUEUE_ADD] failed to enqueue", logging.User(entry.UserID), zap.Error(err))
		return err
	}

	q.logger.Info("[QUEUE_ADD] user queued",
		logging.User(entry.UserID),
		zap.Int("rating", entry.RatingScore),
		zap.Int("replaced", replaced),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// FindCompatible returns the first compatible entry without removing it.
func (q *RedisMatchQueue) FindCompatible(ctx context.Context, candidate battle.MatchmakingEntry, threshold int) (*battle.MatchmakingEntry, error) {
	entries, err := readEntries(ctx, q.client)
	if err != nil {
		return nil, battle.Infra(err)
	}
	if i := firstCompatible(entries, candidate, threshold); i >= 0 {
		found := entries[i].entry
		return &found, nil
	}
	return nil, nil
}

// PopCompatible atomically finds and removes the first compatible entry. Of
// two concurrent callers only one can remove a given entry.
func (q *RedisMatchQueue) PopCompatible(ctx context.Context, candidate battle.MatchmakingEntry, threshold int) (*battle.MatchmakingEntry, error) {
	var popped *battle.MatchmakingEntry
	err := q.watch(ctx, func(tx *redis.Tx) error {
		popped = nil
		entries, err := readEntries(ctx, tx)
		if err != nil {
			return err
		}
		i := firstCompatible(entries, candidate, threshold)
		if i < 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, queueKey, 1, entries[i].raw)
			return nil
		})
		if err != nil {
			return err
		}
		found := entries[i].entry
		popped = &found
		return nil
	})
	if err != nil {
		return nil, err
	}
	if popped != nil {
		q.logger.Debug("[QUEUE_POP] matched entry",
			logging.User(candidate.UserID), zap.String("opponent_id", popped.UserID))
	}
	return popped, nil
}

// Remove deletes the user's first entry. A missing entry is not an error.
func (q *RedisMatchQueue) Remove(ctx context.Context, userID string) error {
	return q.watch(ctx, func(tx *redis.Tx) error {
		entries, err := readEntries(ctx, tx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.ok && e.entry.UserID == userID {
				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.LRem(ctx, queueKey, 1, e.raw)
					return nil
				})
				return err
			}
		}
		return nil
	})
}

// Entries lists decodable entries in queue order.
func (q *RedisMatchQueue) Entries(ctx context.Context) ([]battle.MatchmakingEntry, error) {
	entries, err := readEntries(ctx, q.client)
	if err != nil {
		return nil, battle.Infra(err)
	}
	out := make([]battle.MatchmakingEntry, 0, len(entries))
	for _, e := range entries {
		if e.ok {
			out = append(out, e.entry)
		}
	}
	return out, nil
}

func (q *RedisMatchQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, battle.Infra(err)
	}
	return n, nil
}

func (q *RedisMatchQueue) watch(ctx context.Context, fn func(*redis.Tx) error) error {
	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		err := q.client.Watch(ctx, fn, queueKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			if battle.IsDomain(err) {
				return err
			}
			return battle.Infra(err)
		}
		select {
		case <-ctx.Done():
			return battle.Infra(ctx.Err())
		case <-time.After(time.Duration(min(attempt, 10)) * time.Millisecond):
		}
	}
	return fmt.Errorf("matchmaking queue contended after %d attempts: %w", maxTxRetries, battle.ErrConflict)
}

type lister interface {
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

func readEntries(ctx context.Context, c lister) ([]queuedEntry, error) {
	raws, err := c.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]queuedEntry, 0, len(raws))
	for _, raw := range raws {
		e := queuedEntry{raw: raw}
		if err := json.Unmarshal([]byte(raw), &e.entry); err == nil {
			e.ok = true
		}
		entries = append(entries, e)
	}
	return entries, nil
}

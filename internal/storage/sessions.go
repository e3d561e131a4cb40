package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"codeduel-backend/internal/battle"
	"codeduel-backend/internal/logging"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	maxTxRetries = 100
	scanBatch    = 100
)

// RedisSessionStore keeps live battle sessions plus the user, room and index
// keys derived from them. Every write runs under WATCH on the session key and
// each index key it touches, so concurrent writers from any instance either
// commit against the state they read or retry.
type RedisSessionStore struct {
	client      *redis.Client
	sessionTTL  time.Duration
	terminalTTL time.Duration
	logger      *zap.Logger
}

func NewRedisSessionStore(rc *RedisClient, sessionTTL, terminalTTL time.Duration) *RedisSessionStore {
	if sessionTTL <= 0 {
		sessionTTL = 4 * time.Hour
	}
	if terminalTTL <= 0 {
		terminalTTL = 10 * time.Minute
	}
	return &RedisSessionStore{
		client:      rc.client,
		sessionTTL:  sessionTTL,
		terminalTTL: terminalTTL,
		logger:      rc.logger.Named("sessions"),
	}
}

func (r *RedisSessionStore) Create(ctx context.Context, s *battle.Session) error {
	keys := []string{sessionKey(s.BattleID)}
	for _, id := range s.ParticipantIDs() {
		keys = append(keys, userBattleKey(id))
	}
	if s.RoomCode != "" {
		keys = append(keys, roomKey(s.RoomCode))
	}

	data, err := s.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	return r.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, sessionKey(s.BattleID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("battle %s already exists: %w", s.BattleID, battle.ErrConflict)
		}
		if s.RoomCode != "" {
			n, err := tx.Exists(ctx, roomKey(s.RoomCode)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return battle.ErrRoomCodeTaken
			}
		}
		for _, id := range s.ParticipantIDs() {
			current, err := getString(ctx, tx, userBattleKey(id))
			if err != nil {
				return err
			}
			if current != "" {
				return battle.ErrUserAlreadyActive
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(s.BattleID), data, r.sessionTTL)
			for _, id := range s.ParticipantIDs() {
				pipe.Set(ctx, userBattleKey(id), s.BattleID, r.sessionTTL)
			}
			if s.RoomCode != "" {
				pipe.Set(ctx, roomKey(s.RoomCode), s.BattleID, r.sessionTTL)
			}
			member := redis.Z{Score: indexScore(s), Member: s.BattleID}
			pipe.ZAdd(ctx, activeIndexKey, member)
			if s.IsOpen() {
				pipe.ZAdd(ctx, openIndexKey, member)
			}
			return nil
		})
		return err
	}, keys...)
}

func (r *RedisSessionStore) Get(ctx context.Context, battleID string) (*battle.Session, error) {
	s, err := loadSession(ctx, r.client, battleID)
	if err != nil {
		return nil, classify(err)
	}
	return s, nil
}

// Update applies fn to the current session and commits it with a bumped
// version. User pointers follow the participant list; a terminal status
// releases every pointer and the room code and drops the battle from the
// indexes, leaving the snapshot itself for a short retention window.
func (r *RedisSessionStore) Update(ctx context.Context, battleID string, fn func(*battle.Session) error) (*battle.Session, error) {
	var committed *battle.Session

	err := r.watch(ctx, func(tx *redis.Tx) error {
		current, err := loadSession(ctx, tx, battleID)
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.BattleID = current.BattleID
		next.Version = current.Version + 1
		if next.Participants == nil {
			next.Participants = []battle.Participant{}
		}

		terminal := next.Status.Terminal()
		added, removed := diffParticipants(current, next)
		release := removed
		if terminal {
			release = union(current.ParticipantIDs(), next.ParticipantIDs())
			added = nil
		}

		var watched []string
		for _, id := range append(append([]string{}, added...), release...) {
			watched = append(watched, userBattleKey(id))
		}
		if next.RoomCode != "" {
			watched = append(watched, roomKey(next.RoomCode))
		}
		if len(watched) > 0 {
			if err := tx.Watch(ctx, watched...).Err(); err != nil {
				return err
			}
		}

		for _, id := range added {
			owner, err := getString(ctx, tx, userBattleKey(id))
			if err != nil {
				return err
			}
			if owner != "" && owner != battleID {
				return battle.ErrUserAlreadyActive
			}
		}
		var owned []string
		for _, id := range release {
			owner, err := getString(ctx, tx, userBattleKey(id))
			if err != nil {
				return err
			}
			if owner == battleID {
				owned = append(owned, id)
			}
		}
		roomOwned := false
		if next.RoomCode != "" {
			owner, err := getString(ctx, tx, roomKey(next.RoomCode))
			if err != nil {
				return err
			}
			roomOwned = owner == battleID
		}

		data, err := next.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range owned {
				pipe.Del(ctx, userBattleKey(id))
			}
			if terminal {
				pipe.Set(ctx, sessionKey(battleID), data, r.terminalTTL)
				if roomOwned {
					pipe.Del(ctx, roomKey(next.RoomCode))
				}
				pipe.ZRem(ctx, activeIndexKey, battleID)
				pipe.ZRem(ctx, openIndexKey, battleID)
				return nil
			}

			pipe.Set(ctx, sessionKey(battleID), data, r.sessionTTL)
			for _, id := range added {
				pipe.Set(ctx, userBattleKey(id), battleID, r.sessionTTL)
			}
			for _, id := range next.ParticipantIDs() {
				pipe.Expire(ctx, userBattleKey(id), r.sessionTTL)
			}
			if roomOwned {
				pipe.Expire(ctx, roomKey(next.RoomCode), r.sessionTTL)
			}
			if next.IsOpen() {
				pipe.ZAdd(ctx, openIndexKey, redis.Z{Score: indexScore(next), Member: battleID})
			} else {
				pipe.ZRem(ctx, openIndexKey, battleID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		committed = next
		return nil
	}, sessionKey(battleID))
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (r *RedisSessionStore) BattleIDByRoomCode(ctx context.Context, code string) (string, error) {
	id, err := r.client.Get(ctx, roomKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", battle.ErrBattleNotFound
	}
	if err != nil {
		return "", battle.Infra(err)
	}
	return id, nil
}

// ActiveBattle returns the user's current battle id, or "" if none.
func (r *RedisSessionStore) ActiveBattle(ctx context.Context, userID string) (string, error) {
	id, err := getString(ctx, r.client, userBattleKey(userID))
	if err != nil {
		return "", battle.Infra(err)
	}
	return id, nil
}

// OpenBattles lists joinable public battles, oldest first. Ids may be stale;
// callers tolerate ErrBattleNotFound on join.
func (r *RedisSessionStore) OpenBattles(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRange(ctx, openIndexKey, 0, stop).Result()
	if err != nil {
		return nil, battle.Infra(err)
	}
	return ids, nil
}

// ActiveBattles loads every non-terminal session in creation order and prunes
// index entries whose snapshot has expired.
func (r *RedisSessionStore) ActiveBattles(ctx context.Context) ([]*battle.Session, error) {
	ids, err := r.client.ZRange(ctx, activeIndexKey, 0, -1).Result()
	if err != nil {
		return nil, battle.Infra(err)
	}
	if len(ids) == 0 {
		return []*battle.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, battle.Infra(err)
	}

	sessions := make([]*battle.Session, 0, len(ids))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		s := &battle.Session{}
		if err := s.UnmarshalBinary([]byte(raw)); err != nil {
			r.logger.Warn("[SESSIONS] undecodable session in active index", logging.Battle(ids[i]), zap.Error(err))
			continue
		}
		sessions = append(sessions, s)
	}

	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, activeIndexKey, stale...).Err(); err != nil {
			r.logger.Debug("[SESSIONS] failed to prune active index", zap.Error(err))
		}
		if err := r.client.ZRem(ctx, openIndexKey, stale...).Err(); err != nil {
			r.logger.Debug("[SESSIONS] failed to prune open index", zap.Error(err))
		}
	}
	return sessions, nil
}

// Scan walks every stored session lazily with SCAN. Entries that vanish
// mid-scan are skipped; undecodable ones are reported to fn with an error.
func (r *RedisSessionStore) Scan(ctx context.Context, fn func(battleID string, s *battle.Session, err error) bool) error {
	iter := r.client.Scan(ctx, 0, sessionKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		battleID := strings.TrimPrefix(iter.Val(), sessionKeyPrefix)
		s, err := loadSession(ctx, r.client, battleID)
		if errors.Is(err, battle.ErrBattleNotFound) {
			continue
		}
		if err != nil {
			err = classify(err)
		}
		if !fn(battleID, s, err) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return battle.Infra(err)
	}
	return nil
}

// watch runs fn in an optimistic transaction, retrying with jittered backoff
// while another writer wins the race.
func (r *RedisSessionStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return classify(err)
		}
		if attempt%10 == 0 {
			r.logger.Debug("[SESSIONS] transaction contended", zap.Strings("keys", keys), zap.Int("attempt", attempt))
		}
		select {
		case <-ctx.Done():
			return battle.Infra(ctx.Err())
		case <-time.After(backoff(attempt)):
		}
	}
	return fmt.Errorf("gave up after %d contended attempts: %w", maxTxRetries, battle.ErrConflict)
}

func backoff(attempt int) time.Duration {
	base := time.Duration(min(attempt, 10)) * time.Millisecond
	return base + time.Duration(rand.Int64N(int64(base)+1))
}

func classify(err error) error {
	if err == nil || battle.IsDomain(err) {
		return err
	}
	return battle.Infra(err)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getString(ctx context.Context, c getter, key string) (string, error) {
	v, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func loadSession(ctx context.Context, c getter, battleID string) (*battle.Session, error) {
	data, err := c.Get(ctx, sessionKey(battleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, battle.ErrBattleNotFound
	}
	if err != nil {
		return nil, err
	}
	s := &battle.Session{}
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", battleID, err)
	}
	return s, nil
}

func indexScore(s *battle.Session) float64 {
	return float64(s.CreatedAt.UnixMilli())
}

func diffParticipants(before, after *battle.Session) (added, removed []string) {
	for _, id := range after.ParticipantIDs() {
		if !before.HasParticipant(id) {
			added = append(added, id)
		}
	}
	for _, id := range before.ParticipantIDs() {
		if !after.HasParticipant(id) {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string{}, a...), b...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

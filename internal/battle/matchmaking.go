package battle

import (
	"context"
	"errors"
	"time"

	"codeduel-backend/internal/events"
	"codeduel-backend/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MatchResult is either a battle the caller now belongs to or a queued marker.
type MatchResult struct {
	Battle *Session `json:"battle,omitempty"`
	Queued bool     `json:"queued"`
}

var errOpponentUnavailable = errors.New("queued opponent is no longer available")

// FindOrQueueMatch joins the oldest open public battle, else pairs the caller
// with a compatible queued player, else queues the caller.
func (c *Coordinator) FindOrQueueMatch(ctx context.Context, userID string) (*MatchResult, error) {
	start := c.clock.Now()
	op := operationID("match", userID)
	log := c.logger.With(zap.String("op", op), logging.User(userID))

	user, err := c.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active, err := c.sessions.ActiveBattle(ctx, userID); err != nil {
		return nil, err
	} else if active != "" {
		return nil, ErrUserAlreadyActive
	}

	if s, err := c.joinOpenBattle(ctx, user, log); err != nil {
		return nil, err
	} else if s != nil {
		c.dropQueueEntry(ctx, userID)
		log.Info("[MATCH] joined open battle", logging.Battle(s.BattleID),
			zap.Duration("duration", c.clock.Since(start)))
		return &MatchResult{Battle: s}, nil
	}

	entry := MatchmakingEntry{
		UserID:            user.ID,
		Username:          user.Username,
		RatingScore:       user.RatingScore,
		QueuedAt:          c.clock.Now().UTC(),
		PreferredDuration: c.opts.DefaultDuration,
		MaxParticipants:   DefaultMaxParticipants,
	}

	for {
		opponent, err := c.queue.PopCompatible(ctx, entry, c.opts.RatingThreshold)
		if err != nil {
			return nil, err
		}
		if opponent == nil {
			break
		}

		s, err := c.createMatched(ctx, user, *opponent)
		if errors.Is(err, errOpponentUnavailable) {
			log.Info("[MATCH] dropped stale queue entry", zap.String("opponent_id", opponent.UserID))
			continue
		}
		if err != nil {
			c.requeue(*opponent)
			return nil, err
		}

		c.dropQueueEntry(ctx, userID)
		log.Info("[MATCH] paired from queue",
			logging.Battle(s.BattleID),
			zap.String("opponent_id", opponent.UserID),
			zap.Int("rating_diff", abs(opponent.RatingScore-user.RatingScore)),
			zap.Duration("duration", c.clock.Since(start)))
		return &MatchResult{Battle: s}, nil
	}

	if err := c.queue.Enqueue(ctx, entry); err != nil {
		return nil, err
	}
	log.Info("[MATCH] no opponent available, queued", zap.Int("rating", user.RatingScore))
	return &MatchResult{Queued: true}, nil
}

// joinOpenBattle walks open battles oldest first. Losing a race for one
// battle moves on to the next candidate.
func (c *Coordinator) joinOpenBattle(ctx context.Context, user User, log *zap.Logger) (*Session, error) {
	ids, err := c.sessions.OpenBattles(ctx, c.opts.OpenBattleScan)
	if err != nil {
		log.Warn("[MATCH] open battle index unavailable", zap.Error(err))
		return nil, nil
	}
	for _, id := range ids {
		s, err := c.joinUser(ctx, user, id)
		if err == nil {
			return s, nil
		}
		if lostJoinRace(err) {
			log.Debug("[MATCH] open battle no longer joinable", logging.Battle(id), zap.Error(err))
			continue
		}
		return nil, err
	}
	return nil, nil
}

func lostJoinRace(err error) bool {
	return errors.Is(err, ErrBattleFull) ||
		errors.Is(err, ErrBattleNotJoinable) ||
		errors.Is(err, ErrBattleNotFound) ||
		errors.Is(err, ErrAlreadyParticipant)
}

func (c *Coordinator) createMatched(ctx context.Context, user User, opponent MatchmakingEntry) (*Session, error) {
	other, err := c.users.FindByID(ctx, opponent.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, errOpponentUnavailable
	}
	if err != nil {
		return nil, err
	}
	if active, err := c.sessions.ActiveBattle(ctx, other.ID); err != nil {
		return nil, err
	} else if active != "" {
		return nil, errOpponentUnavailable
	}

	problem, err := c.problems.RandomProblem(ctx)
	if err != nil {
		return nil, err
	}

	duration := opponent.PreferredDuration
	if duration < MinDuration || duration > MaxDuration {
		duration = c.opts.DefaultDuration
	}

	now := c.clock.Now().UTC()
	s := &Session{
		BattleID:        uuid.NewString(),
		Status:          StatusWaiting,
		MaxParticipants: DefaultMaxParticipants,
		DurationSeconds: duration,
		ProblemID:       problem.ID,
		CreatedAt:       now,
		Version:         1,
		Participants: []Participant{
			{UserID: other.ID, Username: other.Username, JoinedAt: opponent.QueuedAt.UTC()},
			{UserID: user.ID, Username: user.Username, JoinedAt: now},
		},
	}

	if err := c.sessions.Create(ctx, s); err != nil {
		if errors.Is(err, ErrUserAlreadyActive) {
			if mine, _ := c.sessions.ActiveBattle(ctx, user.ID); mine == "" {
				return nil, errOpponentUnavailable
			}
		}
		return nil, err
	}

	c.recordCreate(s)
	for _, p := range s.Participants {
		c.publish(ctx, s, events.PlayerJoined, joinedPayload(s, p))
	}
	return s, nil
}

// CancelMatchmaking removes the caller from the queue. Absent entries are fine.
func (c *Coordinator) CancelMatchmaking(ctx context.Context, userID string) error {
	if err := c.queue.Remove(ctx, userID); err != nil {
		return err
	}
	c.logger.Info("[MATCH_CANCEL] removed from queue", logging.User(userID))
	return nil
}

func (c *Coordinator) dropQueueEntry(ctx context.Context, userID string) {
	if err := c.queue.Remove(ctx, userID); err != nil {
		c.logger.Warn("[MATCH] failed to remove own queue entry", logging.User(userID), zap.Error(err))
	}
}

// requeue puts a popped opponent back when pairing failed for reasons
// unrelated to them.
func (c *Coordinator) requeue(entry MatchmakingEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.queue.Enqueue(ctx, entry); err != nil {
		c.logger.Warn("[MATCH] failed to requeue opponent", logging.User(entry.UserID), zap.Error(err))
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

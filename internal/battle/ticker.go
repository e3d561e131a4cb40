package battle

import (
	"context"
	"errors"

	"codeduel-backend/internal/events"
	"codeduel-backend/internal/logging"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type battleEnder interface {
	EndBattleByScore(ctx context.Context, battleID string) (*Session, error)
}

// Ticker advances running battles: periodic timer updates and the forced end
// once time runs out.
type Ticker struct {
	sessions SessionStore
	ender    battleEnder
	events   Publisher
	clock    clockwork.Clock
	logger   *zap.Logger
}

type TickStats struct {
	Scanned  int
	Running  int
	Updates  int
	Ended    int
	Failures int
}

func NewTicker(sessions SessionStore, ender battleEnder, publisher Publisher, clock clockwork.Clock, logger *zap.Logger) *Ticker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ticker{
		sessions: sessions,
		ender:    ender,
		events:   publisher,
		clock:    clock,
		logger:   logger.Named("ticker"),
	}
}

// Tick runs one pass over every stored session. Individual failures are
// logged and counted; only a failure of the scan itself is returned.
func (t *Ticker) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	seen := make(map[string]struct{})
	now := t.clock.Now()

	err := t.sessions.Scan(ctx, func(battleID string, s *Session, err error) bool {
		if ctx.Err() != nil {
			return false
		}
		if _, dup := seen[battleID]; dup {
			return true
		}
		seen[battleID] = struct{}{}
		stats.Scanned++

		if err != nil {
			stats.Failures++
			t.logger.Warn("[TICK] skipping unreadable session", logging.Battle(battleID), zap.Error(err))
			return true
		}
		if s == nil || s.Status != StatusInProgress {
			return true
		}
		stats.Running++

		remaining := s.RemainingSeconds(now)
		if remaining <= 0 {
			ended, err := t.ender.EndBattleByScore(ctx, battleID)
			switch {
			case err == nil:
				stats.Ended++
				t.logger.Info("[TICK] battle timed out", logging.Battle(battleID), zap.String("winner_id", ended.WinnerID))
			case errors.Is(err, ErrAlreadyEnded):
			default:
				stats.Failures++
				t.logger.Warn("[TICK] failed to end battle", logging.Battle(battleID), zap.Error(err))
			}
			return true
		}

		if remaining%60 == 0 || remaining <= 10 {
			ev := events.New(events.TimerUpdate, s.BattleID, s.RoomCode, s.Version, map[string]any{
				"remaining_seconds": remaining,
			})
			if err := t.events.Publish(ctx, ev); err != nil {
				stats.Failures++
				t.logger.Warn("[TICK] timer update not delivered", logging.Battle(battleID), zap.Error(err))
			} else {
				stats.Updates++
			}
		}
		return true
	})

	if stats.Ended > 0 || stats.Failures > 0 {
		t.logger.Debug("[TICK] pass complete",
			zap.Int("scanned", stats.Scanned),
			zap.Int("running", stats.Running),
			zap.Int("updates", stats.Updates),
			zap.Int("ended", stats.Ended),
			zap.Int("failures", stats.Failures))
	}
	return stats, err
}

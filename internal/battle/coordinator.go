package battle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"codeduel-backend/internal/events"
	"codeduel-backend/internal/logging"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultDurationSeconds = 1800
	DefaultMaxParticipants = 2
	StartCountdownSeconds  = 5
	roomCodeLength         = 8
)

type Deps struct {
	Sessions SessionStore
	Queue    MatchQueue
	Events   Publisher
	Users    UserDirectory
	Problems ProblemCatalog
	History  PersistentBattleStore
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

type Options struct {
	RatingThreshold  int
	DefaultDuration  int
	RoomCodeAttempts int
	OpenBattleScan   int
}

func (o Options) withDefaults() Options {
	if o.RatingThreshold <= 0 {
		o.RatingThreshold = 200
	}
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = DefaultDurationSeconds
	}
	if o.RoomCodeAttempts <= 0 {
		o.RoomCodeAttempts = 5
	}
	if o.OpenBattleScan <= 0 {
		o.OpenBattleScan = 20
	}
	return o
}

// Coordinator applies every battle transition. Mutations go through the
// session store's atomic update; a per-battle lock additionally keeps one
// instance from interleaving the events of two transitions on the same battle.
type Coordinator struct {
	sessions SessionStore
	queue    MatchQueue
	events   Publisher
	users    UserDirectory
	problems ProblemCatalog
	history  PersistentBattleStore
	judge    JudgeDispatcher
	clock    clockwork.Clock
	logger   *zap.Logger
	opts     Options
	locks    *keyedMutex
}

func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{
		sessions: deps.Sessions,
		queue:    deps.Queue,
		events:   deps.Events,
		users:    deps.Users,
		problems: deps.Problems,
		history:  deps.History,
		clock:    deps.Clock,
		logger:   deps.Logger.Named("battle"),
		opts:     opts.withDefaults(),
		locks:    newKeyedMutex(),
	}
}

// SetJudgeDispatcher wires the asynchronous judge. Without one, submissions
// are accepted but never evaluated.
func (c *Coordinator) SetJudgeDispatcher(d JudgeDispatcher) {
	c.judge = d
}

type CreateRequest struct {
	UserID          string `json:"-"`
	ProblemID       string `json:"problem_id,omitempty"`
	IsPrivate       bool   `json:"is_private"`
	MaxParticipants int    `json:"max_participants,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

func (r *CreateRequest) normalize(defaultDuration int) error {
	if r.MaxParticipants == 0 {
		r.MaxParticipants = DefaultMaxParticipants
	}
	if r.DurationSeconds == 0 {
		r.DurationSeconds = defaultDuration
	}
	if r.MaxParticipants < MinParticipants || r.MaxParticipants > MaxParticipants {
		return invalidArgument("max_participants must be between %d and %d", MinParticipants, MaxParticipants)
	}
	if r.DurationSeconds < MinDuration || r.DurationSeconds > MaxDuration {
		return invalidArgument("duration_seconds must be between %d and %d", MinDuration, MaxDuration)
	}
	return nil
}

func (c *Coordinator) CreateBattle(ctx context.Context, req CreateRequest) (*Session, error) {
	start := c.clock.Now()
	op := operationID("create", req.UserID)
	log := c.logger.With(zap.String("op", op), logging.User(req.UserID))

	if err := req.normalize(c.opts.DefaultDuration); err != nil {
		return nil, err
	}

	user, err := c.users.FindByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if active, err := c.sessions.ActiveBattle(ctx, user.ID); err != nil {
		return nil, err
	} else if active != "" {
		return nil, ErrUserAlreadyActive
	}

	problem, err := c.pickProblem(ctx, req.ProblemID)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now().UTC()
	var s *Session
	for attempt := 1; ; attempt++ {
		s = &Session{
			BattleID:        uuid.NewString(),
			Status:          StatusWaiting,
			MaxParticipants: req.MaxParticipants,
			DurationSeconds: req.DurationSeconds,
			IsPrivate:       req.IsPrivate,
			ProblemID:       problem.ID,
			CreatedAt:       now,
			Version:         1,
			Participants: []Participant{{
				UserID:   user.ID,
				Username: user.Username,
				JoinedAt: now,
			}},
		}
		if req.IsPrivate {
			s.RoomCode = newRoomCode()
		}

		err = c.sessions.Create(ctx, s)
		if err == nil {
			break
		}
		if errors.Is(err, ErrRoomCodeTaken) && attempt < c.opts.RoomCodeAttempts {
			log.Debug("[BATTLE_CREATE] room code collision, regenerating", zap.Int("attempt", attempt))
			continue
		}
		log.Warn("[BATTLE_CREATE] failed to store session", zap.Int("attempt", attempt), zap.Error(err))
		return nil, err
	}

	c.recordCreate(s)
	c.publish(ctx, s, events.PlayerJoined, joinedPayload(s, s.Participants[0]))

	log.Info("[BATTLE_CREATE] battle created",
		logging.Battle(s.BattleID),
		zap.Bool("private", s.IsPrivate),
		zap.String("problem_id", s.ProblemID),
		zap.Duration("duration", c.clock.Since(start)))
	return s, nil
}

func (c *Coordinator) pickProblem(ctx context.Context, problemID string) (Problem, error) {
	if problemID != "" {
		return c.problems.FindByID(ctx, problemID)
	}
	return c.problems.RandomProblem(ctx)
}

func (c *Coordinator) JoinByRoomCode(ctx context.Context, userID, code string) (*Session, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, invalidArgument("room code is required")
	}
	battleID, err := c.sessions.BattleIDByRoomCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return c.join(ctx, userID, battleID)
}

func (c *Coordinator) JoinByID(ctx context.Context, userID, battleID string) (*Session, error) {
	return c.join(ctx, userID, battleID)
}

func (c *Coordinator) join(ctx context.Context, userID, battleID string) (*Session, error) {
	user, err := c.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.joinUser(ctx, user, battleID)
}

func (c *Coordinator) joinUser(ctx context.Context, user User, battleID string) (*Session, error) {
	unlock := c.locks.Lock(battleID)
	defer unlock()

	now := c.clock.Now().UTC()
	participant := Participant{UserID: user.ID, Username: user.Username, JoinedAt: now}

	s, err := c.sessions.Update(ctx, battleID, func(s *Session) error {
		if s.Status != StatusWaiting {
			return ErrBattleNotJoinable
		}
		if s.HasParticipant(user.ID) {
			return ErrAlreadyParticipant
		}
		if s.IsFull() {
			return ErrBattleFull
		}
		s.AddParticipant(participant)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.bestEffort(battleID, "add participant", func(ctx context.Context) error {
		return c.history.AddParticipant(ctx, battleID, participant)
	})
	c.publish(ctx, s, events.PlayerJoined, joinedPayload(s, participant))

	c.logger.Info("[BATTLE_JOIN] player joined",
		logging.Battle(battleID), logging.User(user.ID),
		zap.Int("participants", len(s.Participants)))
	return s, nil
}

func (c *Coordinator) SetReady(ctx context.Context, userID, battleID string, ready bool) (*Session, error) {
	unlock := c.locks.Lock(battleID)
	defer unlock()

	now := c.clock.Now().UTC()
	var started bool
	s, err := c.sessions.Update(ctx, battleID, func(s *Session) error {
		started = false
		p, ok := s.Participant(userID)
		if !ok {
			return ErrParticipantNotFound
		}
		if s.Status != StatusWaiting {
			return fmt.Errorf("cannot change readiness while %s: %w", s.Status, ErrInvalidState)
		}
		p.Ready = ready
		if s.AllReady() {
			s.Status = StatusInProgress
			s.StartedAt = &now
			started = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, s, events.PlayerReady, map[string]any{
		"user_id":     userID,
		"ready":       ready,
		"ready_count": readyCount(s),
	})

	if started {
		c.recordUpdate(s)
		c.publish(ctx, s, events.BattleStarting, map[string]any{
			"countdown": StartCountdownSeconds,
		})
		c.publish(ctx, s, events.TimerStart, map[string]any{
			"duration_seconds": s.DurationSeconds,
			"started_at":       s.StartedAt,
		})
		c.logger.Info("[BATTLE_START] all participants ready, battle started",
			logging.Battle(battleID), zap.Int("participants", len(s.Participants)))
	}
	return s, nil
}

func (c *Coordinator) Leave(ctx context.Context, userID, battleID string) (*Session, error) {
	unlock := c.locks.Lock(battleID)
	defer unlock()

	now := c.clock.Now().UTC()
	var cancelled bool
	s, err := c.sessions.Update(ctx, battleID, func(s *Session) error {
		cancelled = false
		if !s.HasParticipant(userID) {
			return ErrParticipantNotFound
		}
		if s.Status != StatusWaiting {
			return fmt.Errorf("cannot leave while %s: %w", s.Status, ErrInvalidState)
		}
		s.RemoveParticipant(userID)
		if len(s.Participants) == 0 {
			s.Status = StatusCancelled
			s.FinishedAt = &now
			cancelled = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.bestEffort(battleID, "remove participant", func(ctx context.Context) error {
		return c.history.RemoveParticipant(ctx, battleID, userID)
	})

	if cancelled {
		c.recordUpdate(s)
		c.publish(ctx, s, events.BattleCancelled, map[string]any{
			"reason": "all participants left",
		})
		c.logger.Info("[BATTLE_LEAVE] last participant left, battle cancelled",
			logging.Battle(battleID), logging.User(userID))
		return s, nil
	}

	c.publish(ctx, s, events.PlayerLeft, map[string]any{
		"user_id":           userID,
		"participant_count": len(s.Participants),
	})
	c.logger.Info("[BATTLE_LEAVE] player left",
		logging.Battle(battleID), logging.User(userID),
		zap.Int("participants", len(s.Participants)))
	return s, nil
}

// EndBattle completes a running battle. Only the call that commits the
// transition updates counters and publishes; later calls get ErrAlreadyEnded.
func (c *Coordinator) EndBattle(ctx context.Context, battleID, winnerID string) (*Session, error) {
	return c.complete(ctx, battleID, func(s *Session) (string, error) {
		if winnerID != "" && !s.HasParticipant(winnerID) {
			return "", ErrParticipantNotFound
		}
		return winnerID, nil
	})
}

// EndBattleByScore completes a running battle with the winner computed from
// the committed scores inside the same transaction.
func (c *Coordinator) EndBattleByScore(ctx context.Context, battleID string) (*Session, error) {
	return c.complete(ctx, battleID, func(s *Session) (string, error) {
		return s.Winner(), nil
	})
}

func (c *Coordinator) complete(ctx context.Context, battleID string, pick func(*Session) (string, error)) (*Session, error) {
	unlock := c.locks.Lock(battleID)
	defer unlock()

	now := c.clock.Now().UTC()
	s, err := c.sessions.Update(ctx, battleID, func(s *Session) error {
		if s.Status.Terminal() {
			return ErrAlreadyEnded
		}
		if s.Status != StatusInProgress {
			return fmt.Errorf("battle has not started: %w", ErrInvalidState)
		}
		winnerID, err := pick(s)
		if err != nil {
			return err
		}
		s.Status = StatusCompleted
		s.WinnerID = winnerID
		s.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.recordResults(s)
	c.recordUpdate(s)

	c.publish(ctx, s, events.BattleEnded, map[string]any{
		"winner_id":  s.WinnerID,
		"scoreboard": scoreboard(s),
	})
	announced := s.WinnerID
	if announced == "" {
		announced = "draw"
	}
	c.publish(ctx, s, events.WinnerAnnouncement, map[string]any{
		"winner_id": announced,
	})

	c.logger.Info("[BATTLE_END] battle completed",
		logging.Battle(battleID), zap.String("winner_id", s.WinnerID))
	return s, nil
}

// CancelBattle forces any non-terminal battle to CANCELLED.
func (c *Coordinator) CancelBattle(ctx context.Context, battleID, reason string) (*Session, error) {
	unlock := c.locks.Lock(battleID)
	defer unlock()

	now := c.clock.Now().UTC()
	s, err := c.sessions.Update(ctx, battleID, func(s *Session) error {
		if s.Status.Terminal() {
			return ErrAlreadyEnded
		}
		s.Status = StatusCancelled
		s.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if reason == "" {
		reason = "cancelled"
	}
	c.recordUpdate(s)
	c.publish(ctx, s, events.BattleCancelled, map[string]any{"reason": reason})

	c.logger.Info("[BATTLE_CANCEL] battle cancelled", logging.Battle(battleID), zap.String("reason", reason))
	return s, nil
}

func (c *Coordinator) GetSessionState(ctx context.Context, battleID string) (*Session, error) {
	return c.sessions.Get(ctx, battleID)
}

// BattleView merges the durable record with the live session when one exists.
type BattleView struct {
	BattleRecord
	RemainingSeconds int64 `json:"remaining_seconds"`
	Live             bool  `json:"live"`
	Version          int64 `json:"version,omitempty"`
}

func (c *Coordinator) GetBattle(ctx context.Context, battleID string) (*BattleView, error) {
	live, liveErr := c.sessions.Get(ctx, battleID)
	if liveErr == nil {
		return &BattleView{
			BattleRecord:     live.Record(),
			RemainingSeconds: live.RemainingSeconds(c.clock.Now()),
			Live:             true,
			Version:          live.Version,
		}, nil
	}
	if !errors.Is(liveErr, ErrNotFound) {
		c.logger.Warn("[BATTLE_GET] live session unavailable, falling back to history",
			logging.Battle(battleID), zap.Error(liveErr))
	}

	record, err := c.history.FindBattle(ctx, battleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBattleNotFound
		}
		return nil, err
	}
	return &BattleView{BattleRecord: record}, nil
}

// ListUserBattles returns durable history, newest first.
func (c *Coordinator) ListUserBattles(ctx context.Context, userID string) ([]BattleRecord, error) {
	return c.history.ListUserBattles(ctx, userID)
}

// ListActivePublicBattles degrades to an empty list when the store is down.
func (c *Coordinator) ListActivePublicBattles(ctx context.Context) []*Session {
	all, err := c.sessions.ActiveBattles(ctx)
	if err != nil {
		c.logger.Warn("[BATTLE_LIST] active battles unavailable", zap.Error(err))
		return []*Session{}
	}
	public := make([]*Session, 0, len(all))
	for _, s := range all {
		if !s.IsPrivate && !s.Status.Terminal() {
			public = append(public, s)
		}
	}
	return public
}

// Heartbeat answers a client ping on its private channel.
func (c *Coordinator) Heartbeat(ctx context.Context, userID, battleID string) error {
	s, err := c.sessions.Get(ctx, battleID)
	if err != nil {
		return err
	}
	if !s.HasParticipant(userID) {
		return ErrParticipantNotFound
	}
	c.events.PublishToUser(userID, events.New(events.Heartbeat, s.BattleID, s.RoomCode, s.Version, map[string]any{
		"remaining_seconds": s.RemainingSeconds(c.clock.Now()),
		"status":            s.Status,
	}))
	return nil
}

func (c *Coordinator) publish(ctx context.Context, s *Session, t events.Type, payload map[string]any) {
	if c.events == nil {
		return
	}
	ev := events.New(t, s.BattleID, s.RoomCode, s.Version, payload)
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warn("[BATTLE_EVENT] publish failed",
			logging.Battle(s.BattleID), zap.String("type", string(t)), zap.Error(err))
	}
}

// bestEffort runs a history write detached from the caller's cancellation.
// Failures are logged and never undo the committed transition.
func (c *Coordinator) bestEffort(battleID, what string, fn func(ctx context.Context) error) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.logger.Warn("[BATTLE_HISTORY] "+what+" failed", logging.Battle(battleID), zap.Error(err))
	}
}

func (c *Coordinator) recordCreate(s *Session) {
	record := s.Record()
	c.bestEffort(s.BattleID, "create battle", func(ctx context.Context) error {
		return c.history.CreateBattle(ctx, record)
	})
}

func (c *Coordinator) recordUpdate(s *Session) {
	record := s.Record()
	c.bestEffort(s.BattleID, "update battle", func(ctx context.Context) error {
		return c.history.UpdateBattle(ctx, record)
	})
}

func (c *Coordinator) recordResults(s *Session) {
	if s.WinnerID != "" {
		c.bestEffort(s.BattleID, "record win", func(ctx context.Context) error {
			return c.history.RecordWin(ctx, s.WinnerID)
		})
	}
	for _, id := range s.ParticipantIDs() {
		c.bestEffort(s.BattleID, "record played", func(ctx context.Context) error {
			return c.history.RecordPlayed(ctx, id)
		})
	}
}

func joinedPayload(s *Session, p Participant) map[string]any {
	return map[string]any{
		"user_id":           p.UserID,
		"username":          p.Username,
		"participant_count": len(s.Participants),
		"max_participants":  s.MaxParticipants,
	}
}

func readyCount(s *Session) int {
	n := 0
	for _, p := range s.Participants {
		if p.Ready {
			n++
		}
	}
	return n
}

func scoreboard(s *Session) []map[string]any {
	board := make([]map[string]any, 0, len(s.Participants))
	for _, p := range s.Participants {
		board = append(board, map[string]any{
			"user_id":       p.UserID,
			"username":      p.Username,
			"score":         p.Score,
			"has_submitted": p.HasSubmitted,
		})
	}
	return board
}

func newRoomCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:roomCodeLength])
}

func operationID(kind, userID string) string {
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%d_%s", kind, time.Now().UnixNano(), short)
}

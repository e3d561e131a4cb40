package battle

import (
	"context"
	"time"

	"codeduel-backend/internal/events"
)

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	RatingScore int    `json:"rating_score"`
}

type Problem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Difficulty string `json:"difficulty"`
}

// UserDirectory resolves player identities. FindByID fails with
// ErrUserNotFound for unknown ids.
type UserDirectory interface {
	FindByID(ctx context.Context, userID string) (User, error)
}

// ProblemCatalog is the problem bank. FindByID fails with ErrProblemNotFound.
type ProblemCatalog interface {
	RandomProblem(ctx context.Context) (Problem, error)
	FindByID(ctx context.Context, problemID string) (Problem, error)
}

// BattleRecord is the durable history row for one battle.
type BattleRecord struct {
	ID              string        `json:"id"`
	RoomCode        string        `json:"room_code,omitempty"`
	ProblemID       string        `json:"problem_id"`
	Status          Status        `json:"status"`
	MaxParticipants int           `json:"max_participants"`
	DurationSeconds int           `json:"duration_seconds"`
	IsPrivate       bool          `json:"is_private"`
	WinnerID        string        `json:"winner_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	Participants    []Participant `json:"participants"`
}

// PersistentBattleStore keeps battle history and player counters. Writes are
// best-effort from the coordinator's point of view.
type PersistentBattleStore interface {
	CreateBattle(ctx context.Context, record BattleRecord) error
	UpdateBattle(ctx context.Context, record BattleRecord) error
	AddParticipant(ctx context.Context, battleID string, p Participant) error
	RemoveParticipant(ctx context.Context, battleID, userID string) error
	FindBattle(ctx context.Context, battleID string) (BattleRecord, error)
	ListUserBattles(ctx context.Context, userID string) ([]BattleRecord, error)
	RecordWin(ctx context.Context, userID string) error
	RecordPlayed(ctx context.Context, userID string) error
}

type Submission struct {
	ID          string    `json:"id"`
	BattleID    string    `json:"battle_id"`
	UserID      string    `json:"user_id"`
	ProblemID   string    `json:"problem_id"`
	Language    string    `json:"language"`
	Code        string    `json:"code"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Verdict struct {
	Passed int    `json:"passed"`
	Total  int    `json:"total"`
	TimeMs int64  `json:"time_ms"`
	MemKb  int64  `json:"mem_kb"`
	Error  string `json:"error,omitempty"`
}

// Solved reports whether every test passed.
func (v Verdict) Solved() bool {
	return v.Total > 0 && v.Passed == v.Total && v.Error == ""
}

type Judge interface {
	Evaluate(ctx context.Context, code, language, problemID string) (Verdict, error)
}

// JudgeDispatcher hands a submission off for asynchronous evaluation.
type JudgeDispatcher interface {
	Dispatch(ctx context.Context, sub Submission) error
}

type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
	PublishToUser(userID string, event events.Event)
}

// SessionStore holds live sessions and the user/room indexes derived from
// them. Update runs fn against a fresh copy of the session and commits the
// result atomically together with every index change; fn may be invoked more
// than once, so it must not carry state between calls. A non-nil error from
// fn aborts the write and is returned unchanged.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, battleID string) (*Session, error)
	Update(ctx context.Context, battleID string, fn func(*Session) error) (*Session, error)
	BattleIDByRoomCode(ctx context.Context, code string) (string, error)
	ActiveBattle(ctx context.Context, userID string) (string, error)
	OpenBattles(ctx context.Context, limit int) ([]string, error)
	ActiveBattles(ctx context.Context) ([]*Session, error)
	Scan(ctx context.Context, fn func(battleID string, s *Session, err error) bool) error
}

type MatchmakingEntry struct {
	UserID            string    `json:"user_id"`
	Username          string    `json:"username"`
	RatingScore       int       `json:"rating_score"`
	QueuedAt          time.Time `json:"queued_at"`
	PreferredDuration int       `json:"preferred_duration"`
	MaxParticipants   int       `json:"max_participants"`
}

// MatchQueue is the shared waiting list. PopCompatible removes and returns
// the first compatible entry, or nil when there is none.
type MatchQueue interface {
	Enqueue(ctx context.Context, entry MatchmakingEntry) error
	PopCompatible(ctx context.Context, candidate MatchmakingEntry, threshold int) (*MatchmakingEntry, error)
	Remove(ctx context.Context, userID string) error
}

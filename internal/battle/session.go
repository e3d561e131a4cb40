package battle

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

const (
	MinParticipants = 2
	MaxParticipants = 10
	MinDuration     = 300
	MaxDuration     = 7200
)

type Participant struct {
	UserID           string    `msgpack:"user_id" json:"user_id"`
	Username         string    `msgpack:"username" json:"username"`
	Ready            bool      `msgpack:"ready" json:"ready"`
	HasSubmitted     bool      `msgpack:"has_submitted" json:"has_submitted"`
	Score            int       `msgpack:"score" json:"score"`
	JoinedAt         time.Time `msgpack:"joined_at" json:"joined_at"`
	LastSubmissionID string    `msgpack:"last_submission_id,omitempty" json:"last_submission_id,omitempty"`
}

// Session is the live, shared state of one battle. Participants are kept in
// join order and are unique by user id.
type Session struct {
	BattleID        string        `msgpack:"battle_id" json:"battle_id"`
	RoomCode        string        `msgpack:"room_code,omitempty" json:"room_code,omitempty"`
	Status          Status        `msgpack:"status" json:"status"`
	MaxParticipants int           `msgpack:"max_participants" json:"max_participants"`
	DurationSeconds int           `msgpack:"duration_seconds" json:"duration_seconds"`
	IsPrivate       bool          `msgpack:"is_private" json:"is_private"`
	Participants    []Participant `msgpack:"participants" json:"participants"`
	ProblemID       string        `msgpack:"problem_id" json:"problem_id"`
	WinnerID        string        `msgpack:"winner_id,omitempty" json:"winner_id,omitempty"`
	CreatedAt       time.Time     `msgpack:"created_at" json:"created_at"`
	StartedAt       *time.Time    `msgpack:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt      *time.Time    `msgpack:"finished_at,omitempty" json:"finished_at,omitempty"`
	Version         int64         `msgpack:"version" json:"version"`
}

// sessionWire has Session's fields without its methods, so msgpack encodes
// the struct instead of calling back into MarshalBinary.
type sessionWire Session

func (s Session) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal((*sessionWire)(&s))
}

func (s *Session) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*sessionWire)(s))
}

func (s *Session) IsFull() bool {
	return len(s.Participants) >= s.MaxParticipants
}

func (s *Session) AllReady() bool {
	if len(s.Participants) < MinParticipants {
		return false
	}
	for _, p := range s.Participants {
		if !p.Ready {
			return false
		}
	}
	return true
}

// IsOpen reports whether matchmaking may drop a player into this battle.
func (s *Session) IsOpen() bool {
	return !s.IsPrivate && s.Status == StatusWaiting && !s.IsFull()
}

// RemainingSeconds is the full duration before the start, the countdown
// while running, and zero once the battle is over.
func (s *Session) RemainingSeconds(now time.Time) int64 {
	switch s.Status {
	case StatusWaiting:
		return int64(s.DurationSeconds)
	case StatusInProgress:
		if s.StartedAt == nil {
			return int64(s.DurationSeconds)
		}
		elapsed := int64(now.Sub(*s.StartedAt) / time.Second)
		remaining := int64(s.DurationSeconds) - elapsed
		if remaining < 0 {
			return 0
		}
		return remaining
	default:
		return 0
	}
}

func (s *Session) Participant(userID string) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

func (s *Session) HasParticipant(userID string) bool {
	_, ok := s.Participant(userID)
	return ok
}

func (s *Session) AddParticipant(p Participant) {
	if s.HasParticipant(p.UserID) {
		return
	}
	s.Participants = append(s.Participants, p)
}

func (s *Session) RemoveParticipant(userID string) bool {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Winner picks the highest score among participants that submitted. Ties go
// to whoever joined first. Empty when nobody submitted.
func (s *Session) Winner() string {
	var best *Participant
	for i := range s.Participants {
		p := &s.Participants[i]
		if !p.HasSubmitted {
			continue
		}
		if best == nil || p.Score > best.Score ||
			(p.Score == best.Score && p.JoinedAt.Before(best.JoinedAt)) {
			best = p
		}
	}
	if best == nil {
		return ""
	}
	return best.UserID
}

func (s *Session) Clone() *Session {
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Record converts the live session into its durable shape.
func (s *Session) Record() BattleRecord {
	return BattleRecord{
		ID:              s.BattleID,
		RoomCode:        s.RoomCode,
		ProblemID:       s.ProblemID,
		Status:          s.Status,
		MaxParticipants: s.MaxParticipants,
		DurationSeconds: s.DurationSeconds,
		IsPrivate:       s.IsPrivate,
		WinnerID:        s.WinnerID,
		CreatedAt:       s.CreatedAt,
		StartedAt:       s.StartedAt,
		FinishedAt:      s.FinishedAt,
		Participants:    append([]Participant(nil), s.Participants...),
	}
}

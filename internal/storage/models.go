package storage

import (
	"time"

	"codeduel-backend/internal/battle"
)

// BattleModel is the durable battle row.
type BattleModel struct {
	ID              string             `gorm:"primaryKey;type:text"`
	RoomCode        *string            `gorm:"type:text"`
	ProblemID       string             `gorm:"type:text;not null"`
	Status          string             `gorm:"type:text;not null;index"`
	MaxParticipants int                `gorm:"not null"`
	DurationSeconds int                `gorm:"not null"`
	IsPrivate       bool               `gorm:"not null"`
	WinnerID        *string            `gorm:"type:text"`
	CreatedAt       time.Time          `gorm:"not null"`
	StartedAt       *time.Time
	FinishedAt      *time.Time
	UpdatedAt       time.Time
	Participants    []ParticipantModel `gorm:"foreignKey:BattleID;references:ID"`
}

func (BattleModel) TableName() string { return "battles" }

type ParticipantModel struct {
	BattleID         string    `gorm:"primaryKey;type:text"`
	UserID           string    `gorm:"primaryKey;type:text;index"`
	Username         string    `gorm:"type:text;not null"`
	Ready            bool      `gorm:"not null"`
	HasSubmitted     bool      `gorm:"not null"`
	Score            int       `gorm:"not null"`
	LastSubmissionID *string   `gorm:"type:text"`
	JoinedAt         time.Time `gorm:"not null"`
}

func (ParticipantModel) TableName() string { return "battle_participants" }

func battleModelFromRecord(r battle.BattleRecord) BattleModel {
	m := BattleModel{
		ID:              r.ID,
		RoomCode:        optional(r.RoomCode),
		ProblemID:       r.ProblemID,
		Status:          string(r.Status),
		MaxParticipants: r.MaxParticipants,
		DurationSeconds: r.DurationSeconds,
		IsPrivate:       r.IsPrivate,
		WinnerID:        optional(r.WinnerID),
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	}
	for _, p := range r.Participants {
		m.Participants = append(m.Participants, participantModel(r.ID, p))
	}
	return m
}

func participantModel(battleID string, p battle.Participant) ParticipantModel {
	return ParticipantModel{
		BattleID:         battleID,
		UserID:           p.UserID,
		Username:         p.Username,
		Ready:            p.Ready,
		HasSubmitted:     p.HasSubmitted,
		Score:            p.Score,
		LastSubmissionID: optional(p.LastSubmissionID),
		JoinedAt:         p.JoinedAt,
	}
}

func (m BattleModel) record() battle.BattleRecord {
	r := battle.BattleRecord{
		ID:              m.ID,
		RoomCode:        deref(m.RoomCode),
		ProblemID:       m.ProblemID,
		Status:          battle.Status(m.Status),
		MaxParticipants: m.MaxParticipants,
		DurationSeconds: m.DurationSeconds,
		IsPrivate:       m.IsPrivate,
		WinnerID:        deref(m.WinnerID),
		CreatedAt:       m.CreatedAt,
		StartedAt:       m.StartedAt,
		FinishedAt:      m.FinishedAt,
		Participants:    make([]battle.Participant, 0, len(m.Participants)),
	}
	for _, p := range m.Participants {
		r.Participants = append(r.Participants, battle.Participant{
			UserID:           p.UserID,
			Username:         p.Username,
			Ready:            p.Ready,
			HasSubmitted:     p.HasSubmitted,
			Score:            p.Score,
			LastSubmissionID: deref(p.LastSubmissionID),
			JoinedAt:         p.JoinedAt,
		})
	}
	return r
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

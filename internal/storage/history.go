package storage

import (
	"context"
	"errors"

	"codeduel-backend/internal/battle"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const historyPageSize = 50

// OpenGorm layers gorm over the existing pgx pool so both share connections.
func OpenGorm(pool *pgxpool.Pool) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{
		Conn: stdlib.OpenDBFromPool(pool),
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

type counterStore interface {
	IncrementWins(ctx context.Context, userID string) error
	IncrementPlayed(ctx context.Context, userID string) error
}

// HistoryStore persists battle history through gorm and delegates player
// counters to the users table. A nil store accepts every write.
type HistoryStore struct {
	db       *gorm.DB
	counters counterStore
}

func NewHistoryStore(db *gorm.DB, counters counterStore) *HistoryStore {
	if db == nil {
		return nil
	}
	return &HistoryStore{db: db, counters: counters}
}

func (s *HistoryStore) CreateBattle(ctx context.Context, record battle.BattleRecord) error {
	if s == nil {
		return nil
	}
	m := battleModelFromRecord(record)
	return wrapDB(s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error)
}

// UpdateBattle overwrites the battle row and upserts every participant row.
func (s *HistoryStore) UpdateBattle(ctx context.Context, record battle.BattleRecord) error {
	if s == nil {
		return nil
	}
	m := battleModelFromRecord(record)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&BattleModel{}).Where("id = ?", m.ID).Updates(map[string]any{
			"status":      m.Status,
			"winner_id":   m.WinnerID,
			"started_at":  m.StartedAt,
			"finished_at": m.FinishedAt,
		}).Error
		if err != nil {
			return err
		}
		for _, p := range m.Participants {
			if err := upsertParticipant(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapDB(err)
}

func (s *HistoryStore) AddParticipant(ctx context.Context, battleID string, p battle.Participant) error {
	if s == nil {
		return nil
	}
	return wrapDB(upsertParticipant(s.db.WithContext(ctx), participantModel(battleID, p)))
}

func (s *HistoryStore) RemoveParticipant(ctx context.Context, battleID, userID string) error {
	if s == nil {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("battle_id = ? AND user_id = ?", battleID, userID).
		Delete(&ParticipantModel{}).Error
	return wrapDB(err)
}

func (s *HistoryStore) FindBattle(ctx context.Context, battleID string) (battle.BattleRecord, error) {
	if s == nil {
		return battle.BattleRecord{}, battle.ErrBattleNotFound
	}
	var m BattleModel
	err := s.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("joined_at ASC") }).
		First(&m, "id = ?", battleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return battle.BattleRecord{}, battle.ErrBattleNotFound
	}
	if err != nil {
		return battle.BattleRecord{}, battle.Infra(err)
	}
	return m.record(), nil
}

// ListUserBattles returns the user's most recent battles, newest first.
func (s *HistoryStore) ListUserBattles(ctx context.Context, userID string) ([]battle.BattleRecord, error) {
	if s == nil {
		return []battle.BattleRecord{}, nil
	}
	var models []BattleModel
	err := s.db.WithContext(ctx).
		Joins("JOIN battle_participants bp ON bp.battle_id = battles.id").
		Where("bp.user_id = ?", userID).
		Order("battles.created_at DESC").
		Limit(historyPageSize).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("joined_at ASC") }).
		Find(&models).Error
	if err != nil {
		return nil, battle.Infra(err)
	}
	records := make([]battle.BattleRecord, 0, len(models))
	for _, m := range models {
		records = append(records, m.record())
	}
	return records, nil
}

func (s *HistoryStore) RecordWin(ctx context.Context, userID string) error {
	if s == nil || s.counters == nil {
		return nil
	}
	return s.counters.IncrementWins(ctx, userID)
}

func (s *HistoryStore) RecordPlayed(ctx context.Context, userID string) error {
	if s == nil || s.counters == nil {
		return nil
	}
	return s.counters.IncrementPlayed(ctx, userID)
}

func upsertParticipant(db *gorm.DB, p ParticipantModel) error {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "battle_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "ready", "has_submitted", "score", "last_submission_id",
		}),
	}).Create(&p).Error
}

func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	return battle.Infra(err)
}

package storage

import (
	"context"
	"fmt"

	"codeduel-backend/internal/config"

	"go.uber.org/zap"
)

// Storage bundles every backing store the server needs.
type Storage struct {
	DB       *PostgresDB
	Redis    *RedisClient
	Sessions *RedisSessionStore
	History  *HistoryStore
}

func NewStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Storage, error) {
	db, err := NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	if err := db.RunMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	gormDB, err := OpenGorm(db.Pool())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	redisClient, err := NewRedisClient(ctx, cfg.Redis.URL, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{
		DB:       db,
		Redis:    redisClient,
		Sessions: NewRedisSessionStore(redisClient, cfg.Battle.SessionTTL, cfg.Battle.TerminalTTL),
		History:  NewHistoryStore(gormDB, db.Users()),
	}, nil
}

// Ping checks both backends; used by the health endpoint.
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.DB.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := s.Redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (s *Storage) Close() error {
	s.DB.Close()
	return s.Redis.Close()
}

package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"codeduel-backend/internal/battle"
	"codeduel-backend/internal/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type PostgresDB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MaxConnIdleTime = cfg.MaxIdleTime
	poolConfig.MaxConnLifetime = cfg.MaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	start := time.Now()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("[POSTGRES] connected",
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Duration("ping", time.Since(start)))

	return &PostgresDB{pool: pool, logger: logger}, nil
}

func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *PostgresDB) Close() {
	db.pool.Close()
}

func (db *PostgresDB) RunMigrations() error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(db.pool)
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close temp db connection: %w", err)
	}

	db.logger.Info("[POSTGRES] migrations applied")
	return nil
}

func (db *PostgresDB) Users() *UserRepository {
	return &UserRepository{pool: db.pool}
}

func (db *PostgresDB) Problems() *ProblemRepository {
	return &ProblemRepository{pool: db.pool}
}

type UserRepository struct {
	pool *pgxpool.Pool
}

func (r *UserRepository) FindByID(ctx context.Context, userID string) (battle.User, error) {
	var u battle.User
	query := `
		SELECT id, username, rating_score
		FROM users WHERE id = $1`

	err := r.pool.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Username, &u.RatingScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return battle.User{}, battle.ErrUserNotFound
	}
	if err != nil {
		return battle.User{}, battle.Infra(err)
	}
	return u, nil
}

func (r *UserRepository) IncrementWins(ctx context.Context, userID string) error {
	return r.increment(ctx, "battles_won", userID)
}

func (r *UserRepository) IncrementPlayed(ctx context.Context, userID string) error {
	return r.increment(ctx, "battles_played", userID)
}

func (r *UserRepository) increment(ctx context.Context, column, userID string) error {
	query := fmt.Sprintf(`
		UPDATE users SET %s = %s + 1, updated_at = NOW()
		WHERE id = $1`, column, column)

	tag, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return battle.Infra(err)
	}
	if tag.RowsAffected() == 0 {
		return battle.ErrUserNotFound
	}
	return nil
}

type ProblemRepository struct {
	pool *pgxpool.Pool
}

func (r *ProblemRepository) RandomProblem(ctx context.Context) (battle.Problem, error) {
	query := `
		SELECT id, title, difficulty
		FROM problems ORDER BY random() LIMIT 1`
	return r.scanOne(ctx, query)
}

func (r *ProblemRepository) FindByID(ctx context.Context, problemID string) (battle.Problem, error) {
	query := `
		SELECT id, title, difficulty
		FROM problems WHERE id = $1`
	return r.scanOne(ctx, query, problemID)
}

func (r *ProblemRepository) scanOne(ctx context.Context, query string, args ...any) (battle.Problem, error) {
	var p battle.Problem
	err := r.pool.QueryRow(ctx, query, args...).Scan(&p.ID, &p.Title, &p.Difficulty)
	if errors.Is(err, pgx.ErrNoRows) {
		return battle.Problem{}, battle.ErrProblemNotFound
	}
	if err != nil {
		return battle.Problem{}, battle.Infra(err)
	}
	return p, nil
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key layout shared by every instance.
const (
	sessionKeyPrefix    = "battle:state:"
	userBattleKeyPrefix = "user:battle:"
	roomKeyPrefix       = "room:"
	activeIndexKey      = "battles:active"
	openIndexKey        = "battles:open"
)

func sessionKey(battleID string) string { return sessionKeyPrefix + battleID }
func userBattleKey(userID string) string { return userBattleKeyPrefix + userID }
func roomKey(code string) string        { return roomKeyPrefix + code }

type RedisClient struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisClient(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("[REDIS] connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB),
		zap.Duration("ping", time.Since(start)))

	return &RedisClient{client: client, logger: logger}, nil
}

// WrapRedisClient adopts an existing client, e.g. one pointed at miniredis.
func WrapRedisClient(client *redis.Client, logger *zap.Logger) *RedisClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisClient{client: client, logger: logger}
}

func (r *RedisClient) Client() *redis.Client {
	return r.client
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("MATCHMAKING_RATING_THRESHOLD", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 200, cfg.Battle.RatingThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Battle.DefaultDuration)
	assert.Equal(t, time.Second, cfg.Battle.TickInterval)
	assert.True(t, cfg.Battle.ClusteredTicks)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MATCHMAKING_RATING_THRESHOLD", "150")
	t.Setenv("MATCHMAKING_QUEUE_TTL", "90s")
	t.Setenv("BATTLE_CLUSTERED_TICKS", "false")

	cfg := Load()

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 150, cfg.Battle.RatingThreshold)
	assert.Equal(t, 90*time.Second, cfg.Battle.QueueTTL)
	assert.False(t, cfg.Battle.ClusteredTicks)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("MATCHMAKING_RATING_THRESHOLD", "lots")
	t.Setenv("BATTLE_TICK_INTERVAL", "soon")

	cfg := Load()

	assert.Equal(t, 200, cfg.Battle.RatingThreshold)
	assert.Equal(t, time.Second, cfg.Battle.TickInterval)
}

package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codeduel-backend/internal/battle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/evaluate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req evaluateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.ProblemID {
		case "two-sum":
			json.NewEncoder(w).Encode(battle.Verdict{Passed: 5, Total: 5, TimeMs: 12, MemKb: 2048})
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		case "crash":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	v, err := c.Evaluate(ctx, "package main", "go", "two-sum")
	require.NoError(t, err)
	assert.True(t, v.Solved())
	assert.Equal(t, int64(12), v.TimeMs)

	_, err = c.Evaluate(ctx, "x", "go", "missing")
	assert.ErrorIs(t, err, battle.ErrProblemNotFound)

	_, err = c.Evaluate(ctx, "x", "go", "crash")
	assert.ErrorIs(t, err, battle.ErrInfrastructure)

	_, err = c.Evaluate(ctx, "x", "brainfuck", "other")
	require.Error(t, err)
	assert.NotErrorIs(t, err, battle.ErrInfrastructure)
}

func TestEvaluateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Evaluate(context.Background(), "x", "go", "two-sum")
	assert.ErrorIs(t, err, battle.ErrInfrastructure)
}

package battle_test

import (
	"context"
	"testing"

	"codeduel-backend/internal/battle"
	"codeduel-backend/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitDispatchesToJudge(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	dispatcher := &recordingDispatcher{}
	env.coord.SetJudgeDispatcher(dispatcher)

	s := env.started(t, "a", "b")
	sub, err := env.coord.Submit(ctx, battle.SubmitRequest{
		UserID:   "a",
		BattleID: s.BattleID,
		Language: "Go",
		Code:     "package main",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, "two-sum", sub.ProblemID)
	assert.Equal(t, "go", sub.Language)

	require.Len(t, dispatcher.subs, 1)
	assert.Equal(t, sub.ID, dispatcher.subs[0].ID)
	assert.Equal(t, 1, env.pub.count(s.BattleID, events.SubmissionReceived))

	state, err := env.coord.GetSessionState(ctx, s.BattleID)
	require.NoError(t, err)
	p, ok := state.Participant("a")
	require.True(t, ok)
	assert.Equal(t, sub.ID, p.LastSubmissionID)
	assert.False(t, p.HasSubmitted, "judged submissions only")
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	waiting := env.create(t, "a", false, 2)
	_, err := env.coord.Submit(ctx, battle.SubmitRequest{UserID: "a", BattleID: waiting.BattleID, Language: "go", Code: "x"})
	assert.ErrorIs(t, err, battle.ErrInvalidState)

	_, err = env.coord.Submit(ctx, battle.SubmitRequest{UserID: "a", BattleID: waiting.BattleID, Language: "go", Code: "  "})
	assert.ErrorIs(t, err, battle.ErrInvalidArgument)

	_, err = env.coord.Submit(ctx, battle.SubmitRequest{UserID: "a", BattleID: waiting.BattleID, Code: "x"})
	assert.ErrorIs(t, err, battle.ErrInvalidArgument)

	_, err = env.coord.Submit(ctx, battle.SubmitRequest{UserID: "a", BattleID: waiting.BattleID, Language: "cobol", Code: "x"})
	assert.ErrorIs(t, err, battle.ErrInvalidArgument)

	_, err = env.coord.Submit(ctx, battle.SubmitRequest{UserID: "b", BattleID: waiting.BattleID, Language: "go", Code: "x"})
	assert.ErrorIs(t, err, battle.ErrParticipantNotFound)
}

func TestRecordJudgementKeepsBestScore(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.started(t, "a", "b")
	sub := battle.Submission{ID: "s1", BattleID: s.BattleID, UserID: "a"}

	state, err := env.coord.RecordJudgement(ctx, sub, battle.Verdict{Passed: 3, Total: 5})
	require.NoError(t, err)
	p, _ := state.Participant("a")
	assert.True(t, p.HasSubmitted)
	assert.Equal(t, 3, p.Score)

	sub.ID = "s2"
	state, err = env.coord.RecordJudgement(ctx, sub, battle.Verdict{Passed: 1, Total: 5, Error: "wrong answer"})
	require.NoError(t, err)
	p, _ = state.Participant("a")
	assert.Equal(t, 3, p.Score)
	assert.Equal(t, "s2", p.LastSubmissionID)
	assert.Equal(t, battle.StatusInProgress, state.Status)

	evs := env.pub.forBattle(s.BattleID)
	last := evs[len(evs)-1]
	assert.Equal(t, events.SubmissionJudged, last.Type)
	assert.Equal(t, 3, last.Payload["score"])
}

func TestFullSolveEndsBattle(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.started(t, "a", "b")
	_, err := env.coord.RecordJudgement(ctx, battle.Submission{ID: "s1", BattleID: s.BattleID, UserID: "a"},
		battle.Verdict{Passed: 4, Total: 5})
	require.NoError(t, err)

	ended, err := env.coord.RecordJudgement(ctx, battle.Submission{ID: "s2", BattleID: s.BattleID, UserID: "b"},
		battle.Verdict{Passed: 5, Total: 5})
	require.NoError(t, err)
	assert.Equal(t, battle.StatusCompleted, ended.Status)
	assert.Equal(t, "b", ended.WinnerID)

	wins, _ := env.history.counts("b")
	assert.Equal(t, 1, wins)

	_, err = env.coord.RecordJudgement(ctx, battle.Submission{ID: "s3", BattleID: s.BattleID, UserID: "a"},
		battle.Verdict{Passed: 5, Total: 5})
	assert.ErrorIs(t, err, battle.ErrAlreadyEnded)
}

func TestFullSolveUsesCommittedScores(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.started(t, "a", "b")
	_, err := env.coord.RecordJudgement(ctx, battle.Submission{ID: "s1", BattleID: s.BattleID, UserID: "a"},
		battle.Verdict{Passed: 2, Total: 5})
	require.NoError(t, err)

	// b's verdict lands through another instance, so this coordinator never
	// saw it in a snapshot of its own.
	other := env.newCoordinator()
	_, err = other.RecordJudgement(ctx, battle.Submission{ID: "s2", BattleID: s.BattleID, UserID: "b"},
		battle.Verdict{Passed: 4, Total: 5})
	require.NoError(t, err)

	ended, err := env.coord.EndBattleByScore(ctx, s.BattleID)
	require.NoError(t, err)
	assert.Equal(t, battle.StatusCompleted, ended.Status)
	assert.Equal(t, "b", ended.WinnerID)

	_, err = env.coord.EndBattleByScore(ctx, s.BattleID)
	assert.ErrorIs(t, err, battle.ErrAlreadyEnded)
}

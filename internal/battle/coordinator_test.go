package battle_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"codeduel-backend/internal/battle"
	"codeduel-backend/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBattleDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("alice", 1500)
	ctx := context.Background()

	s, err := env.coord.CreateBattle(ctx, battle.CreateRequest{UserID: "alice"})
	require.NoError(t, err)

	assert.Equal(t, battle.StatusWaiting, s.Status)
	assert.Equal(t, battle.DefaultMaxParticipants, s.MaxParticipants)
	assert.Equal(t, battle.DefaultDurationSeconds, s.DurationSeconds)
	assert.Equal(t, "two-sum", s.ProblemID)
	assert.Equal(t, int64(1), s.Version)
	assert.Empty(t, s.RoomCode)
	require.Len(t, s.Participants, 1)
	assert.Equal(t, "alice_name", s.Participants[0].Username)
	assert.Equal(t, int64(1800), s.RemainingSeconds(env.clock.Now()))

	active, err := env.sessions.ActiveBattle(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, s.BattleID, active)

	assert.Equal(t, []events.Type{events.PlayerJoined}, env.pub.types(s.BattleID))

	record, err := env.history.FindBattle(ctx, s.BattleID)
	require.NoError(t, err)
	assert.Equal(t, battle.StatusWaiting, record.Status)
}

func TestCreateBattleValidation(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("alice", 1500)
	ctx := context.Background()

	tests := []struct {
		name string
		req  battle.CreateRequest
		want error
	}{
		{"too few participants", battle.CreateRequest{UserID: "alice", MaxParticipants: 1}, battle.ErrInvalidArgument},
		{"too many participants", battle.CreateRequest{UserID: "alice", MaxParticipants: 11}, battle.ErrInvalidArgument},
		{"too short", battle.CreateRequest{UserID: "alice", DurationSeconds: 299}, battle.ErrInvalidArgument},
		{"too long", battle.CreateRequest{UserID: "alice", DurationSeconds: 7201}, battle.ErrInvalidArgument},
		{"unknown user", battle.CreateRequest{UserID: "ghost"}, battle.ErrUserNotFound},
		{"unknown problem", battle.CreateRequest{UserID: "alice", ProblemID: "nope"}, battle.ErrProblemNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.coord.CreateBattle(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	env.create(t, "alice", false, 2)
	_, err := env.coord.CreateBattle(ctx, battle.CreateRequest{UserID: "alice"})
	assert.ErrorIs(t, err, battle.ErrUserAlreadyActive)
	assert.ErrorIs(t, err, battle.ErrConflict)
}

func TestPrivateBattleJoinByRoomCode(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("alice", 1500)
	env.users.add("bob", 1500)
	ctx := context.Background()

	s := env.create(t, "alice", true, 2)
	require.Len(t, s.RoomCode, 8)
	assert.Equal(t, strings.ToUpper(s.RoomCode), s.RoomCode)

	joined, err := env.coord.JoinByRoomCode(ctx, "bob", "  "+strings.ToLower(s.RoomCode)+" ")
	require.NoError(t, err)
	assert.Equal(t, s.BattleID, joined.BattleID)
	assert.Len(t, joined.Participants, 2)
	assert.Equal(t, int64(2), joined.Version)

	_, err = env.coord.JoinByRoomCode(ctx, "bob", "ZZZZZZZZ")
	assert.ErrorIs(t, err, battle.ErrBattleNotFound)

	_, err = env.coord.JoinByRoomCode(ctx, "bob", "   ")
	assert.ErrorIs(t, err, battle.ErrInvalidArgument)
}

func TestJoinFullBattle(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		env.users.add(id, 1500)
	}
	ctx := context.Background()

	s := env.create(t, "a", true, 2)
	_, err := env.coord.JoinByID(ctx, "b", s.BattleID)
	require.NoError(t, err)

	_, err = env.coord.JoinByID(ctx, "c", s.BattleID)
	assert.ErrorIs(t, err, battle.ErrBattleFull)
	assert.ErrorIs(t, err, battle.ErrConflict)

	state, err := env.coord.GetSessionState(ctx, s.BattleID)
	require.NoError(t, err)
	assert.Len(t, state.Participants, 2)

	active, err := env.sessions.ActiveBattle(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestJoinErrors(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		env.users.add(id, 1500)
	}
	ctx := context.Background()

	first := env.create(t, "a", false, 3)
	second := env.create(t, "b", false, 3)

	_, err := env.coord.JoinByID(ctx, "a", first.BattleID)
	assert.ErrorIs(t, err, battle.ErrAlreadyParticipant)

	_, err = env.coord.JoinByID(ctx, "a", second.BattleID)
	assert.ErrorIs(t, err, battle.ErrUserAlreadyActive, "a user plays one battle at a time")

	_, err = env.coord.JoinByID(ctx, "c", "missing")
	assert.ErrorIs(t, err, battle.ErrBattleNotFound)

	_, err = env.coord.JoinByID(ctx, "ghost", first.BattleID)
	assert.ErrorIs(t, err, battle.ErrUserNotFound)

	state, err := env.coord.GetSessionState(ctx, second.BattleID)
	require.NoError(t, err)
	assert.Len(t, state.Participants, 1)
}

func TestConcurrentJoinsNeverOverfill(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("host", 1500)
	for i := range 20 {
		env.users.add(fmt.Sprintf("p%d", i), 1500)
	}
	ctx := context.Background()

	s := env.create(t, "host", false, 3)
	coordinators := []*battle.Coordinator{env.coord, env.newCoordinator()}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := coordinators[i%2].JoinByID(ctx, fmt.Sprintf("p%d", i), s.BattleID)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, battle.ErrBattleFull)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, successes)
	state, err := env.coord.GetSessionState(ctx, s.BattleID)
	require.NoError(t, err)
	assert.Len(t, state.Participants, 3)
	assert.Equal(t, int64(3), state.Version)

	pointed := 0
	for i := range 20 {
		active, err := env.sessions.ActiveBattle(ctx, fmt.Sprintf("p%d", i))
		require.NoError(t, err)
		if active != "" {
			assert.Equal(t, s.BattleID, active)
			pointed++
		}
	}
	assert.Equal(t, 2, pointed)
}

func TestConcurrentReadyStartsOnce(t *testing.T) {
	env := newTestEnv(t)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		env.users.add(id, 1500)
	}
	ctx := context.Background()

	s := env.create(t, "a", true, 4)
	for _, id := range ids[1:] {
		_, err := env.coord.JoinByID(ctx, id, s.BattleID)
		require.NoError(t, err)
	}

	coordinators := []*battle.Coordinator{env.coord, env.newCoordinator()}
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(c *battle.Coordinator, id string) {
			defer wg.Done()
			_, err := c.SetReady(ctx, id, s.BattleID, true)
			assert.NoError(t, err)
		}(coordinators[i%2], id)
	}
	wg.Wait()

	state, err := env.coord.GetSessionState(ctx, s.BattleID)
	require.NoError(t, err)
	assert.Equal(t, battle.StatusInProgress, state.Status)
	require.NotNil(t, state.StartedAt)
	assert.Equal(t, 1, env.pub.count(s.BattleID, events.BattleStarting))
	assert.Equal(t, 1, env.pub.count(s.BattleID, events.TimerStart))
	assert.Equal(t, 4, env.pub.count(s.BattleID, events.PlayerReady))
}

func TestSetReadyStartsBattle(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.create(t, "a", false, 2)
	_, err := env.coord.JoinByID(ctx, "b", s.BattleID)
	require.NoError(t, err)

	s, err = env.coord.SetReady(ctx, "a", s.BattleID, true)
	require.NoError(t, err)
	assert.Equal(t, battle.StatusWaiting, s.Status)

	s, err = env.coord.SetReady(ctx, "b", s.BattleID, true)
	require.NoError(t, err)
	assert.Equal(t, battle.StatusInProgress, s.Status)

	assert.Equal(t, []events.Type{
		events.PlayerJoined,
		events.PlayerJoined,
		events.PlayerReady,
		events.PlayerReady,
		events.BattleStarting,
		events.TimerStart,
	}, env.pub.types(s.BattleID))

	evs := env.pub.forBattle(s.BattleID)
	assert.Equal(t, battle.StartCountdownSeconds, evs[4].Payload["countdown"])
	assert.Equal(t, 1800, evs[5].Payload["duration_seconds"])

	open, err := env.sessions.OpenBattles(ctx, 10)
	require.NoError(t, err)
	assert.NotContains(t, open, s.BattleID)

	env.clock.Advance(100 * time.Second)
	state, err := env.coord.GetSessionState(ctx, s.BattleID)
	require.NoError(t, err)
	assert.Equal(t, int64(1700), state.RemainingSeconds(env.clock.Now()))

	_, err = env.coord.SetReady(ctx, "a", s.BattleID, false)
	assert.ErrorIs(t, err, battle.ErrInvalidState)

	_, err = env.coord.SetReady(ctx, "stranger", s.BattleID, true)
	assert.ErrorIs(t, err, battle.ErrParticipantNotFound)
}

func TestUnreadyDoesNotStart(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.create(t, "a", false, 2)
	_, err := env.coord.JoinByID(ctx, "b", s.BattleID)
	require.NoError(t, err)

	_, err = env.coord.SetReady(ctx, "a", s.BattleID, true)
	require.NoError(t, err)
	_, err = env.coord.SetReady(ctx, "a", s.BattleID, false)
	require.NoError(t, err)
	s, err = env.coord.SetReady(ctx, "b", s.BattleID, true)
	require.NoError(t, err)

	assert.Equal(t, battle.StatusWaiting, s.Status)
	assert.Zero(t, env.pub.count(s.BattleID, events.BattleStarting))
}

func TestLastParticipantLeavingCancels(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.create(t, "a", false, 2)
	s, err := env.coord.Leave(ctx, "a", s.BattleID)
	require.NoError(t, err)
	assert.Equal(t, battle.StatusCancelled, s.Status)
	assert.NotNil(t, s.FinishedAt)
	assert.Equal(t, 1, env.pub.count(s.BattleID, events.BattleCancelled))

	active, err := env.sessions.ActiveBattle(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = env.coord.JoinByID(ctx, "b", s.BattleID)
	assert.ErrorIs(t, err, battle.ErrBattleNotJoinable)
	assert.ErrorIs(t, err, battle.ErrInvalidState)

	assert.Empty(t, env.coord.ListActivePublicBattles(ctx))

	// a is free to start over
	env.create(t, "a", false, 2)
}

func TestLeaveKeepsBattleWaiting(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.create(t, "a", false, 2)
	_, err := env.coord.JoinByID(ctx, "b", s.BattleID)
	require.NoError(t, err)

	s, err = env.coord.Leave(ctx, "b", s.BattleID)
	require.NoError(t, err)
	assert.Equal(t, battle.StatusWaiting, s.Status)
	assert.Equal(t, []string{"a"}, s.ParticipantIDs())
	assert.Equal(t, 1, env.pub.count(s.BattleID, events.PlayerLeft))

	open, err := env.sessions.OpenBattles(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, open, s.BattleID, "a battle with a free slot is open again")

	_, err = env.coord.Leave(ctx, "b", s.BattleID)
	assert.ErrorIs(t, err, battle.ErrParticipantNotFound)
}

func TestLeaveRunningBattleRejected(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)

	s := env.started(t, "a", "b")
	_, err := env.coord.Leave(context.Background(), "a", s.BattleID)
	assert.ErrorIs(t, err, battle.ErrInvalidState)
}

func TestEndBattleIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.started(t, "a", "b")

	ended, err := env.coord.EndBattle(ctx, s.BattleID, "a")
	require.NoError(t, err)
	assert.Equal(t, battle.StatusCompleted, ended.Status)
	assert.Equal(t, "a", ended.WinnerID)
	assert.NotNil(t, ended.FinishedAt)

	_, err = env.coord.EndBattle(ctx, s.BattleID, "b")
	assert.ErrorIs(t, err, battle.ErrAlreadyEnded)

	wins, played := env.history.counts("a")
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, played)
	wins, played = env.history.counts("b")
	assert.Zero(t, wins)
	assert.Equal(t, 1, played)

	types := env.pub.types(s.BattleID)
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, []events.Type{events.BattleEnded, events.WinnerAnnouncement}, types[len(types)-2:])
	assert.Equal(t, 1, env.pub.count(s.BattleID, events.WinnerAnnouncement))

	for _, id := range []string{"a", "b"} {
		active, err := env.sessions.ActiveBattle(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, active)
	}

	record, err := env.history.FindBattle(ctx, s.BattleID)
	require.NoError(t, err)
	assert.Equal(t, battle.StatusCompleted, record.Status)
	assert.Equal(t, "a", record.WinnerID)
}

func TestConcurrentEndBattleCountsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.started(t, "a", "b")
	coordinators := []*battle.Coordinator{env.coord, env.newCoordinator()}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := range 10 {
		wg.Add(1)
		go func(c *battle.Coordinator) {
			defer wg.Done()
			_, err := c.EndBattle(ctx, s.BattleID, "b")
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, battle.ErrAlreadyEnded)
		}(coordinators[i%2])
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	wins, played := env.history.counts("b")
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, played)
	assert.Equal(t, 1, env.pub.count(s.BattleID, events.BattleEnded))
}

func TestEndBattleRules(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	waiting := env.create(t, "a", false, 2)
	_, err := env.coord.EndBattle(ctx, waiting.BattleID, "")
	assert.ErrorIs(t, err, battle.ErrInvalidState)
	assert.NotErrorIs(t, err, battle.ErrAlreadyEnded)
	_, err = env.coord.CancelBattle(ctx, waiting.BattleID, "")
	require.NoError(t, err)

	s := env.started(t, "a", "b")
	_, err = env.coord.EndBattle(ctx, s.BattleID, "stranger")
	assert.ErrorIs(t, err, battle.ErrParticipantNotFound)

	ended, err := env.coord.EndBattle(ctx, s.BattleID, "")
	require.NoError(t, err)
	assert.Empty(t, ended.WinnerID)

	evs := env.pub.forBattle(s.BattleID)
	last := evs[len(evs)-1]
	assert.Equal(t, events.WinnerAnnouncement, last.Type)
	assert.Equal(t, "draw", last.Payload["winner_id"])

	wins, _ := env.history.counts("a")
	assert.Zero(t, wins)
}

func TestCancelBattle(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.started(t, "a", "b")
	cancelled, err := env.coord.CancelBattle(ctx, s.BattleID, "judge offline")
	require.NoError(t, err)
	assert.Equal(t, battle.StatusCancelled, cancelled.Status)

	evs := env.pub.forBattle(s.BattleID)
	assert.Equal(t, "judge offline", evs[len(evs)-1].Payload["reason"])

	_, err = env.coord.CancelBattle(ctx, s.BattleID, "")
	assert.ErrorIs(t, err, battle.ErrAlreadyEnded)

	_, err = env.coord.EndBattle(ctx, s.BattleID, "a")
	assert.ErrorIs(t, err, battle.ErrAlreadyEnded)
}

func TestVersionsIncreaseWithEveryTransition(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.started(t, "a", "b")
	_, err := env.coord.EndBattle(ctx, s.BattleID, "a")
	require.NoError(t, err)

	var last int64
	for _, ev := range env.pub.forBattle(s.BattleID) {
		assert.GreaterOrEqual(t, ev.Version, last, "%s went backwards", ev.Type)
		last = ev.Version
	}
	// create, join, two ready flips, end
	assert.Equal(t, int64(5), last)
}

func TestPublishFailureKeepsTransition(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.create(t, "a", false, 2)
	env.pub.failing = true

	_, err := env.coord.JoinByID(ctx, "b", s.BattleID)
	require.NoError(t, err)

	state, err := env.coord.GetSessionState(ctx, s.BattleID)
	require.NoError(t, err)
	assert.Len(t, state.Participants, 2)
}

func TestGetBattleFallsBackToHistory(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.started(t, "a", "b")
	env.clock.Advance(time.Minute)

	view, err := env.coord.GetBattle(ctx, s.BattleID)
	require.NoError(t, err)
	assert.True(t, view.Live)
	assert.Equal(t, int64(1740), view.RemainingSeconds)

	_, err = env.coord.EndBattle(ctx, s.BattleID, "b")
	require.NoError(t, err)

	env.mr.FastForward(terminalTTL + time.Second)
	_, err = env.coord.GetSessionState(ctx, s.BattleID)
	assert.ErrorIs(t, err, battle.ErrBattleNotFound)

	view, err = env.coord.GetBattle(ctx, s.BattleID)
	require.NoError(t, err)
	assert.False(t, view.Live)
	assert.Equal(t, battle.StatusCompleted, view.Status)
	assert.Equal(t, "b", view.WinnerID)

	_, err = env.coord.GetBattle(ctx, "missing")
	assert.ErrorIs(t, err, battle.ErrBattleNotFound)
}

func TestListActivePublicBattles(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		env.users.add(id, 1500)
	}
	ctx := context.Background()

	public := env.create(t, "a", false, 2)
	env.create(t, "b", true, 2)
	env.clock.Advance(time.Second)
	later := env.create(t, "c", false, 2)

	list := env.coord.ListActivePublicBattles(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, public.BattleID, list[0].BattleID)
	assert.Equal(t, later.BattleID, list[1].BattleID)

	env.mr.SetError("LOADING")
	assert.Empty(t, env.coord.ListActivePublicBattles(ctx))
	env.mr.SetError("")
}

func TestStoreOutageIsInfrastructureError(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)

	env.mr.SetError("LOADING")
	defer env.mr.SetError("")

	_, err := env.coord.CreateBattle(context.Background(), battle.CreateRequest{UserID: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, battle.ErrInfrastructure)
	assert.False(t, errors.Is(err, battle.ErrConflict))
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	env.users.add("a", 1500)
	env.users.add("b", 1500)
	ctx := context.Background()

	s := env.started(t, "a", "b")
	env.clock.Advance(30 * time.Second)

	require.NoError(t, env.coord.Heartbeat(ctx, "a", s.BattleID))
	private := env.pub.privateFor("a")
	require.Len(t, private, 1)
	assert.Equal(t, events.Heartbeat, private[0].Type)
	assert.Equal(t, int64(1770), private[0].Payload["remaining_seconds"])

	assert.ErrorIs(t, env.coord.Heartbeat(ctx, "stranger", s.BattleID), battle.ErrParticipantNotFound)
}

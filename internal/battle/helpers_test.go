package battle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeduel-backend/internal/battle"
	"codeduel-backend/internal/events"
	"codeduel-backend/internal/queue"
	"codeduel-backend/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const terminalTTL = 10 * time.Minute

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	sessions *storage.RedisSessionStore
	queue    *queue.RedisMatchQueue
	users    *fakeUsers
	problems *fakeProblems
	history  *fakeHistory
	pub      *recordingPublisher
	clock    *clockwork.FakeClock
	coord    *battle.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rc := storage.WrapRedisClient(client, zap.NewNop())
	env := &testEnv{
		mr:       mr,
		client:   client,
		sessions: storage.NewRedisSessionStore(rc, 4*time.Hour, terminalTTL),
		queue:    queue.NewRedisMatchQueue(client, 5*time.Minute, zap.NewNop()),
		users:    newFakeUsers(),
		problems: &fakeProblems{},
		history:  newFakeHistory(),
		pub:      &recordingPublisher{},
		clock:    clockwork.NewFakeClockAt(epoch),
	}
	env.coord = env.newCoordinator()
	return env
}

// newCoordinator builds another coordinator over the same stores, standing in
// for a second server instance.
func (e *testEnv) newCoordinator() *battle.Coordinator {
	return battle.NewCoordinator(battle.Deps{
		Sessions: e.sessions,
		Queue:    e.queue,
		Events:   e.pub,
		Users:    e.users,
		Problems: e.problems,
		History:  e.history,
		Clock:    e.clock,
		Logger:   zap.NewNop(),
	}, battle.Options{})
}

func (e *testEnv) create(t *testing.T, userID string, private bool, maxParticipants int) *battle.Session {
	t.Helper()
	s, err := e.coord.CreateBattle(context.Background(), battle.CreateRequest{
		UserID:          userID,
		IsPrivate:       private,
		MaxParticipants: maxParticipants,
	})
	require.NoError(t, err)
	return s
}

// started creates a battle for the given users and readies everyone.
func (e *testEnv) started(t *testing.T, userIDs ...string) *battle.Session {
	t.Helper()
	ctx := context.Background()
	s := e.create(t, userIDs[0], true, len(userIDs))
	for _, id := range userIDs[1:] {
		_, err := e.coord.JoinByID(ctx, id, s.BattleID)
		require.NoError(t, err)
	}
	var err error
	for _, id := range userIDs {
		s, err = e.coord.SetReady(ctx, id, s.BattleID, true)
		require.NoError(t, err)
	}
	require.Equal(t, battle.StatusInProgress, s.Status)
	return s
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]battle.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]battle.User)}
}

func (f *fakeUsers) add(id string, rating int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = battle.User{ID: id, Username: id + "_name", RatingScore: rating}
}

func (f *fakeUsers) FindByID(_ context.Context, id string) (battle.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return battle.User{}, battle.ErrUserNotFound
	}
	return u, nil
}

type fakeProblems struct{}

func (fakeProblems) RandomProblem(context.Context) (battle.Problem, error) {
	return battle.Problem{ID: "two-sum", Title: "Two Sum"}, nil
}

func (fakeProblems) FindByID(_ context.Context, id string) (battle.Problem, error) {
	if id != "two-sum" {
		return battle.Problem{}, battle.ErrProblemNotFound
	}
	return battle.Problem{ID: id, Title: "Two Sum"}, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[string]battle.BattleRecord
	wins    map[string]int
	played  map[string]int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		records: make(map[string]battle.BattleRecord),
		wins:    make(map[string]int),
		played:  make(map[string]int),
	}
}

func (f *fakeHistory) CreateBattle(_ context.Context, r battle.BattleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.ID] = r
	return nil
}

func (f *fakeHistory) UpdateBattle(_ context.Context, r battle.BattleRecord) error {
	return f.CreateBattle(context.Background(), r)
}

func (f *fakeHistory) AddParticipant(_ context.Context, battleID string, p battle.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[battleID]
	r.Participants = append(r.Participants, p)
	f.records[battleID] = r
	return nil
}

func (f *fakeHistory) RemoveParticipant(_ context.Context, battleID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[battleID]
	kept := r.Participants[:0]
	for _, p := range r.Participants {
		if p.UserID != userID {
			kept = append(kept, p)
		}
	}
	r.Participants = kept
	f.records[battleID] = r
	return nil
}

func (f *fakeHistory) FindBattle(_ context.Context, battleID string) (battle.BattleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[battleID]
	if !ok {
		return battle.BattleRecord{}, battle.ErrBattleNotFound
	}
	return r, nil
}

func (f *fakeHistory) ListUserBattles(_ context.Context, userID string) ([]battle.BattleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []battle.BattleRecord
	for _, r := range f.records {
		for _, p := range r.Participants {
			if p.UserID == userID {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeHistory) RecordWin(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wins[userID]++
	return nil
}

func (f *fakeHistory) RecordPlayed(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played[userID]++
	return nil
}

func (f *fakeHistory) counts(userID string) (wins, played int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wins[userID], f.played[userID]
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []events.Event
	private map[string][]events.Event
	failing bool
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return battle.Infra(context.DeadlineExceeded)
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) PublishToUser(userID string, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.private == nil {
		p.private = make(map[string][]events.Event)
	}
	p.private[userID] = append(p.private[userID], ev)
}

func (p *recordingPublisher) forBattle(battleID string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.BattleID == battleID {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) count(battleID string, t events.Type) int {
	n := 0
	for _, ev := range p.forBattle(battleID) {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) types(battleID string) []events.Type {
	var out []events.Type
	for _, ev := range p.forBattle(battleID) {
		out = append(out, ev.Type)
	}
	return out
}

func (p *recordingPublisher) privateFor(userID string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.private[userID]...)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	subs []battle.Submission
}

func (d *recordingDispatcher) Dispatch(_ context.Context, sub battle.Submission) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, sub)
	return nil
}

package sessions

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscriber is one local connection's mailbox. It receives the events of
// one battle plus the private events addressed to its user.
type Subscriber struct {
	ID          string
	UserID      string
	BattleID    string
	ConnectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	sent      atomic.Int64
}

func (s *Subscriber) Messages() <-chan []byte { return s.send }

// Done is closed when the hub drops the subscriber or it is unregistered.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Sent() int64 { return s.sent.Load() }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Hub is this process's dispatch table: battle id and user id to the local
// subscribers that want their events. A subscriber whose buffer is full is
// dropped rather than allowed to stall delivery to everyone else.
type Hub struct {
	mu         sync.RWMutex
	battles    map[string]map[string]*Subscriber
	users      map[string]map[string]*Subscriber
	bufferSize int
	logger     *zap.Logger
}

func NewHub(bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		battles:    make(map[string]map[string]*Subscriber),
		users:      make(map[string]map[string]*Subscriber),
		bufferSize: bufferSize,
		logger:     logger.Named("hub"),
	}
}

func (h *Hub) Register(battleID, userID string) *Subscriber {
	sub := &Subscriber{
		ID:          fmt.Sprintf("sub_%d_%s", time.Now().UnixNano(), generateShortID()),
		UserID:      userID,
		BattleID:    battleID,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, h.bufferSize),
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	if h.battles[battleID] == nil {
		h.battles[battleID] = make(map[string]*Subscriber)
	}
	h.battles[battleID][sub.ID] = sub
	if userID != "" {
		if h.users[userID] == nil {
			h.users[userID] = make(map[string]*Subscriber)
		}
		h.users[userID][sub.ID] = sub
	}
	watchers := len(h.battles[battleID])
	h.mu.Unlock()

	h.logger.Debug("[HUB] subscriber registered",
		zap.String("subscriber_id", sub.ID), zap.String("battle_id", battleID),
		zap.String("user_id", userID), zap.Int("watchers", watchers))
	return sub
}

func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	if subs, ok := h.battles[sub.BattleID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.battles, sub.BattleID)
		}
	}
	if subs, ok := h.users[sub.UserID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.users, sub.UserID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

func (h *Hub) DispatchBattle(battleID string, data []byte) {
	h.mu.RLock()
	targets := collect(h.battles[battleID])
	h.mu.RUnlock()
	h.deliver(targets, data)
}

func (h *Hub) DispatchUser(userID string, data []byte) {
	h.mu.RLock()
	targets := collect(h.users[userID])
	h.mu.RUnlock()
	h.deliver(targets, data)
}

func (h *Hub) deliver(targets []*Subscriber, data []byte) {
	for _, sub := range targets {
		select {
		case <-sub.done:
			continue
		default:
		}
		select {
		case sub.send <- data:
			sub.sent.Add(1)
		default:
			h.logger.Warn("[HUB] dropping slow subscriber",
				zap.String("subscriber_id", sub.ID),
				zap.String("battle_id", sub.BattleID),
				zap.String("user_id", sub.UserID))
			h.Unregister(sub)
		}
	}
}

// Watchers reports how many local subscribers follow a battle.
func (h *Hub) Watchers(battleID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.battles[battleID])
}

// ConnectedUsers returns the users with at least one local subscriber.
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.users))
	for id := range h.users {
		users = append(users, id)
	}
	return users
}

func collect(m map[string]*Subscriber) []*Subscriber {
	out := make([]*Subscriber, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func generateShortID() string {
	return uuid.NewString()[:8]
}

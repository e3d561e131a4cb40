package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the pub/sub channel every instance listens on.
const Channel = "battle-events"

// Dispatcher delivers encoded events to connections owned by this process.
type Dispatcher interface {
	DispatchBattle(battleID string, data []byte)
	DispatchUser(userID string, data []byte)
}

// Bus fans battle events out across instances through redis pub/sub. Every
// instance, the publisher included, receives each event from redis and hands
// it to its local dispatcher.
type Bus struct {
	client    *redis.Client
	local     Dispatcher
	logger    *zap.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

func NewBus(client *redis.Client, local Dispatcher, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		client: client,
		local:  local,
		logger: logger.Named("events"),
		ready:  make(chan struct{}),
	}
}

// Publish never fails the caller because of the fabric: if redis rejects the
// message it is delivered to local connections only.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel, data).Err(); err != nil {
		b.logger.Warn("[EVENTS] publish failed, delivering locally",
			zap.String("battle_id", ev.BattleID), zap.String("type", string(ev.Type)), zap.Error(err))
		b.local.DispatchBattle(ev.BattleID, data)
	}
	return nil
}

// PublishToUser sends a private event to the user's connections on this
// instance only.
func (b *Bus) PublishToUser(userID string, ev Event) {
	data, err := ev.Marshal()
	if err != nil {
		b.logger.Error("[EVENTS] encode private event", zap.String("user_id", userID), zap.Error(err))
		return
	}
	b.local.DispatchUser(userID, data)
}

// Ready is closed once the subscription is confirmed.
func (b *Bus) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to the shared channel and dispatches until ctx is done.
// The client reconnects on its own after network errors.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("[EVENTS] subscribed", zap.String("channel", Channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch([]byte(msg.Payload))
		}
	}
}

func (b *Bus) dispatch(data []byte) {
	ev, err := Unmarshal(data)
	if err != nil {
		b.logger.Warn("[EVENTS] dropping undecodable message", zap.Error(err))
		return
	}
	if ev.BattleID == "" {
		return
	}
	b.local.DispatchBattle(ev.BattleID, data)
}

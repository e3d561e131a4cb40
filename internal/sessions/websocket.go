package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"codeduel-backend/internal/battle"
	"codeduel-backend/internal/events"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxMessage   = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// BattleActions is the slice of the coordinator a socket client can drive.
type BattleActions interface {
	SetReady(ctx context.Context, userID, battleID string, ready bool) (*battle.Session, error)
	Leave(ctx context.Context, userID, battleID string) (*battle.Session, error)
	Heartbeat(ctx context.Context, userID, battleID string) error
	GetSessionState(ctx context.Context, battleID string) (*battle.Session, error)
}

type userPublisher interface {
	PublishToUser(userID string, ev events.Event)
}

type WSManager struct {
	hub     *Hub
	actions BattleActions
	private userPublisher
	logger  *zap.Logger
}

func NewWSManager(hub *Hub, actions BattleActions, private userPublisher, logger *zap.Logger) *WSManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSManager{
		hub:     hub,
		actions: actions,
		private: private,
		logger:  logger.Named("ws"),
	}
}

// ClientMessage is what a browser sends over the socket.
type ClientMessage struct {
	Type  string `json:"type"`
	Ready *bool  `json:"ready,omitempty"`
}

// HandleBattleWebSocket streams one battle's events, plus the caller's private
// events, and accepts ready/leave/heartbeat/state commands.
func (wm *WSManager) HandleBattleWebSocket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	connectionID := fmt.Sprintf("ws_%d_%s", time.Now().UnixNano(), generateShortID())
	battleID := chi.URLParam(r, "battleID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}
	log := wm.logger.With(
		zap.String("connection_id", connectionID),
		zap.String("battle_id", battleID),
		zap.String("user_id", userID),
		zap.String("client_ip", getClientIP(r)))

	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	if _, err := wm.actions.GetSessionState(r.Context(), battleID); err != nil {
		if errors.Is(err, battle.ErrNotFound) {
			http.Error(w, "battle not found", http.StatusNotFound)
			return
		}
		http.Error(w, "battle state unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("[WS_CONNECT] upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := wm.hub.Register(battleID, userID)
	defer wm.hub.Unregister(sub)
	log.Info("[WS_CONNECT] connected", zap.Int("watchers", wm.hub.Watchers(battleID)))

	done := make(chan struct{})
	go wm.readLoop(conn, sub, log, done)
	wm.sendState(r.Context(), userID, battleID)
	wm.writeLoop(conn, sub, log, done)

	log.Info("[WS_DISCONNECT] disconnected",
		zap.Duration("connected_for", time.Since(start)),
		zap.Int64("messages_sent", sub.Sent()))
}

// writeLoop is the only writer on conn.
func (wm *WSManager) writeLoop(conn *websocket.Conn, sub *Subscriber, log *zap.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sub.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("[WS_WRITE] write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("[WS_PING] ping failed", zap.Error(err))
				return
			}
		case <-sub.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"))
			return
		case <-done:
			return
		}
	}
}

func (wm *WSManager) readLoop(conn *websocket.Conn, sub *Subscriber, log *zap.Logger, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("[WS_READER] unexpected close", zap.Error(err))
			}
			return
		}
		wm.handleClientMessage(sub.UserID, sub.BattleID, msg)
	}
}

func (wm *WSManager) handleClientMessage(userID, battleID string, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	var err error
	switch strings.ToLower(msg.Type) {
	case "ready":
		ready := true
		if msg.Ready != nil {
			ready = *msg.Ready
		}
		_, err = wm.actions.SetReady(ctx, userID, battleID, ready)
	case "leave":
		_, err = wm.actions.Leave(ctx, userID, battleID)
	case "heartbeat", "ping":
		err = wm.actions.Heartbeat(ctx, userID, battleID)
	case "state":
		err = wm.sendState(ctx, userID, battleID)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		wm.logger.Debug("[WS_MESSAGE] client command rejected",
			zap.String("user_id", userID), zap.String("battle_id", battleID),
			zap.String("type", msg.Type), zap.Error(err))
		wm.private.PublishToUser(userID, events.ErrorEvent(battleID, err.Error()))
	}
}

func (wm *WSManager) sendState(ctx context.Context, userID, battleID string) error {
	s, err := wm.actions.GetSessionState(ctx, battleID)
	if err != nil {
		return err
	}
	wm.private.PublishToUser(userID, events.New(events.SessionState, s.BattleID, s.RoomCode, s.Version,
		map[string]any{"session": s}))
	return nil
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

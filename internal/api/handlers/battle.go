package handlers

import (
	"context"
	"net/http"
	"time"

	"codeduel-backend/internal/battle"
	"codeduel-backend/internal/languages"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// BattleService is the coordinator surface exposed over HTTP.
type BattleService interface {
	CreateBattle(ctx context.Context, req battle.CreateRequest) (*battle.Session, error)
	JoinByRoomCode(ctx context.Context, userID, code string) (*battle.Session, error)
	JoinByID(ctx context.Context, userID, battleID string) (*battle.Session, error)
	SetReady(ctx context.Context, userID, battleID string, ready bool) (*battle.Session, error)
	Leave(ctx context.Context, userID, battleID string) (*battle.Session, error)
	Submit(ctx context.Context, req battle.SubmitRequest) (*battle.Submission, error)
	GetBattle(ctx context.Context, battleID string) (*battle.BattleView, error)
	GetSessionState(ctx context.Context, battleID string) (*battle.Session, error)
	ListUserBattles(ctx context.Context, userID string) ([]battle.BattleRecord, error)
	ListActivePublicBattles(ctx context.Context) []*battle.Session
	FindOrQueueMatch(ctx context.Context, userID string) (*battle.MatchResult, error)
	CancelMatchmaking(ctx context.Context, userID string) error
}

type BattleHandler struct {
	battles BattleService
	logger  *zap.Logger
}

func NewBattleHandler(battles BattleService, logger *zap.Logger) *BattleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BattleHandler{battles: battles, logger: logger.Named("http")}
}

type joinRoomBody struct {
	RoomCode string `json:"room_code"`
}

type readyBody struct {
	Ready *bool `json:"ready"`
}

func (h *BattleHandler) CreateBattle(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "BATTLE_CREATE", http.StatusCreated, func(userID string) (any, error) {
		var req battle.CreateRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		req.UserID = userID
		return h.battles.CreateBattle(r.Context(), req)
	})
}

func (h *BattleHandler) JoinByRoomCode(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "BATTLE_JOIN_CODE", http.StatusOK, func(userID string) (any, error) {
		var body joinRoomBody
		if err := decodeJSON(r, &body); err != nil {
			return nil, err
		}
		if body.RoomCode == "" {
			return nil, &ValidationError{Field: "room_code", Message: "room_code is required"}
		}
		return h.battles.JoinByRoomCode(r.Context(), userID, body.RoomCode)
	})
}

func (h *BattleHandler) JoinByID(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "BATTLE_JOIN", http.StatusOK, func(userID string) (any, error) {
		return h.battles.JoinByID(r.Context(), userID, chi.URLParam(r, "battleID"))
	})
}

func (h *BattleHandler) SetReady(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "BATTLE_READY", http.StatusOK, func(userID string) (any, error) {
		var body readyBody
		if err := decodeJSON(r, &body); err != nil {
			return nil, err
		}
		ready := true
		if body.Ready != nil {
			ready = *body.Ready
		}
		return h.battles.SetReady(r.Context(), userID, chi.URLParam(r, "battleID"), ready)
	})
}

func (h *BattleHandler) Leave(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "BATTLE_LEAVE", http.StatusOK, func(userID string) (any, error) {
		return h.battles.Leave(r.Context(), userID, chi.URLParam(r, "battleID"))
	})
}

func (h *BattleHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "BATTLE_SUBMIT", http.StatusAccepted, func(userID string) (any, error) {
		var req battle.SubmitRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		req.UserID = userID
		req.BattleID = chi.URLParam(r, "battleID")
		return h.battles.Submit(r.Context(), req)
	})
}

func (h *BattleHandler) GetBattle(w http.ResponseWriter, r *http.Request) {
	h.handleAnonymous(w, r, "BATTLE_GET", func() (any, error) {
		return h.battles.GetBattle(r.Context(), chi.URLParam(r, "battleID"))
	})
}

func (h *BattleHandler) GetSessionState(w http.ResponseWriter, r *http.Request) {
	h.handleAnonymous(w, r, "BATTLE_STATE", func() (any, error) {
		return h.battles.GetSessionState(r.Context(), chi.URLParam(r, "battleID"))
	})
}

func (h *BattleHandler) ListUserBattles(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "BATTLE_HISTORY", http.StatusOK, func(userID string) (any, error) {
		battles, err := h.battles.ListUserBattles(r.Context(), userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"battles": battles}, nil
	})
}

func (h *BattleHandler) ListActivePublicBattles(w http.ResponseWriter, r *http.Request) {
	h.handleAnonymous(w, r, "BATTLE_LIST", func() (any, error) {
		return map[string]any{"battles": h.battles.ListActivePublicBattles(r.Context())}, nil
	})
}

func (h *BattleHandler) ListLanguages(w http.ResponseWriter, r *http.Request) {
	h.handleAnonymous(w, r, "LANGUAGES", func() (any, error) {
		return map[string]any{"languages": languages.GetSupportedLanguages()}, nil
	})
}

// handle resolves the caller, runs fn and writes either its result or the
// mapped error.
func (h *BattleHandler) handle(w http.ResponseWriter, r *http.Request, tag string, status int, fn func(userID string) (any, error)) {
	start := time.Now()
	requestID := generateRequestID()

	userID, err := requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := fn(userID)
	h.finish(w, tag, requestID, userID, status, start, r, result, err)
}

func (h *BattleHandler) handleAnonymous(w http.ResponseWriter, r *http.Request, tag string, fn func() (any, error)) {
	start := time.Now()
	requestID := generateRequestID()
	result, err := fn()
	h.finish(w, tag, requestID, r.Header.Get(userHeader), http.StatusOK, start, r, result, err)
}

func (h *BattleHandler) finish(w http.ResponseWriter, tag, requestID, userID string, status int, start time.Time, r *http.Request, result any, err error) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("user_id", userID),
		zap.String("client_ip", getClientIP(r)),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		code, _ := statusFor(err)
		fields = append(fields, zap.Int("status", code), zap.Error(err))
		if code >= http.StatusInternalServerError {
			h.logger.Error("["+tag+"] request failed", fields...)
		} else {
			h.logger.Info("["+tag+"] request rejected", fields...)
		}
		writeError(w, err)
		return
	}
	h.logger.Debug("["+tag+"] request completed", fields...)
	writeJSON(w, status, result)
}

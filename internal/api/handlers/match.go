package handlers

import (
	"context"
	"net/http"
	"time"
)

type queueInspector interface {
	Len(ctx context.Context) (int64, error)
}

type MatchHandler struct {
	*BattleHandler
	queue queueInspector
}

func NewMatchHandler(battles *BattleHandler, queue queueInspector) *MatchHandler {
	return &MatchHandler{BattleHandler: battles, queue: queue}
}

type MatchResponse struct {
	Status  string `json:"status"`
	Battle  any    `json:"battle,omitempty"`
	Message string `json:"message"`
}

// RequestMatch joins an open battle, pairs with a queued player, or queues
// the caller. Queued is a normal outcome, reported with 202.
func (h *MatchHandler) RequestMatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := generateRequestID()

	userID, err := requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.battles.FindOrQueueMatch(r.Context(), userID)
	if err != nil {
		h.finish(w, "MATCH_REQUEST", requestID, userID, 0, start, r, nil, err)
		return
	}

	if result.Queued {
		h.finish(w, "MATCH_REQUEST", requestID, userID, http.StatusAccepted, start, r, MatchResponse{
			Status:  "queued",
			Message: "Added to matchmaking queue. You will be notified when a match is found.",
		}, nil)
		return
	}
	h.finish(w, "MATCH_REQUEST", requestID, userID, http.StatusOK, start, r, MatchResponse{
		Status:  "matched",
		Battle:  result.Battle,
		Message: "Match found.",
	}, nil)
}

func (h *MatchHandler) CancelMatch(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "MATCH_CANCEL", http.StatusOK, func(userID string) (any, error) {
		if err := h.battles.CancelMatchmaking(r.Context(), userID); err != nil {
			return nil, err
		}
		return map[string]string{
			"status":  "cancelled",
			"message": "Match request cancelled successfully",
		}, nil
	})
}

func (h *MatchHandler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	h.handleAnonymous(w, r, "QUEUE_STATUS", func() (any, error) {
		n, err := h.queue.Len(r.Context())
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"queued":    n,
			"timestamp": time.Now().UTC(),
		}, nil
	})
}

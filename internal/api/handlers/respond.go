package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"codeduel-backend/internal/battle"

	"github.com/google/uuid"
)

const userHeader = "X-User-ID"

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps error categories onto HTTP statuses.
func statusFor(err error) (int, string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, battle.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, battle.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, battle.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, battle.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, battle.ErrInfrastructure):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: code, Message: err.Error()}
	var verr *ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		resp.Message = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &ValidationError{Field: "body", Message: "invalid request body: " + err.Error()}
	}
	return nil
}

func requireUser(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		return "", &ValidationError{Field: userHeader, Message: userHeader + " header is required"}
	}
	return userID, nil
}

func generateRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), uuid.New().String()[:8])
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

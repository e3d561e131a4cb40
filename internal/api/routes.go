package api

import (
	"context"
	"net/http"
	"time"

	"codeduel-backend/internal/api/handlers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Health        pinger
	BattleHandler *handlers.BattleHandler
	MatchHandler  *handlers.MatchHandler
	WebSocket     http.HandlerFunc
}

func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS middleware for WebSocket connections
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-User-ID")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Health.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"degraded","service":"codeduel-backend"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"codeduel-backend"}`))
	})

	// Timeout and compression would break the hijacked websocket connection,
	// so they only wrap the REST API.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(middleware.Compress(5))

		r.Get("/languages", deps.BattleHandler.ListLanguages)

		r.Route("/battles", func(r chi.Router) {
			r.Post("/", deps.BattleHandler.CreateBattle)
			r.Get("/active", deps.BattleHandler.ListActivePublicBattles)
			r.Get("/mine", deps.BattleHandler.ListUserBattles)
			r.Post("/join", deps.BattleHandler.JoinByRoomCode)

			r.Route("/{battleID}", func(r chi.Router) {
				r.Get("/", deps.BattleHandler.GetBattle)
				r.Get("/state", deps.BattleHandler.GetSessionState)
				r.Post("/join", deps.BattleHandler.JoinByID)
				r.Post("/ready", deps.BattleHandler.SetReady)
				r.Post("/leave", deps.BattleHandler.Leave)
				r.Post("/submit", deps.BattleHandler.Submit)
			})
		})

		r.Route("/matchmaking", func(r chi.Router) {
			r.Post("/", deps.MatchHandler.RequestMatch)
			r.Delete("/", deps.MatchHandler.CancelMatch)
			r.Get("/status", deps.MatchHandler.GetQueueStatus)
		})
	})

	if deps.WebSocket != nil {
		r.Get("/ws/battles/{battleID}", deps.WebSocket)
	}

	return r
}

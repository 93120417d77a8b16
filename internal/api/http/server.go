package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appSession "github.com/shopsage/sessiond/internal/application/session"
	"github.com/shopsage/sessiond/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	sessionSvc *appSession.Service
	sseHub     *sse.Hub
	jwtSecret  []byte
	logger     zerolog.Logger
}

func NewServer(sessionSvc *appSession.Service, sseHub *sse.Hub, jwtSecret string, logger zerolog.Logger) *Server {
	return &Server{
		sessionSvc: sessionSvc,
		sseHub:     sseHub,
		jwtSecret:  []byte(jwtSecret),
		logger:     logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.createSession)
				r.Get("/", s.listSessions)
				r.Get("/events", s.sseEndpoint)
				r.Get("/{sessionId}", s.getSession)
				r.Get("/{sessionId}/sync", s.syncSession)
				r.Post("/{sessionId}/start", s.startSession)
				r.Post("/{sessionId}/end", s.endSession)
				r.Post("/{sessionId}/cancel", s.cancelSession)
			})
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, key))
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

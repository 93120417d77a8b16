package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shopsage/sessiond/internal/application/reconcile"
	appSession "github.com/shopsage/sessiond/internal/application/session"
	domainSession "github.com/shopsage/sessiond/internal/domain/session"
	"github.com/shopsage/sessiond/internal/infrastructure/sse"
)

type createSessionRequest struct {
	ExpertRef string     `json:"expertRef"`
	Amount    uint64     `json:"amount"`
	StartTime *time.Time `json:"startTime,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	caller := authUserFromContext(r.Context())
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	createReq := appSession.CreateRequest{
		ExpertRef:  req.ExpertRef,
		ShopperRef: caller.UserRef,
		Amount:     req.Amount,
	}
	if req.StartTime != nil {
		createReq.StartTime = *req.StartTime
	}
	result, err := s.sessionSvc.CreateSession(r.Context(), createReq)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	view, err := s.sessionSvc.GetSessionView(r.Context(), id)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	if view == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	caller := authUserFromContext(r.Context())
	records, err := s.sessionSvc.ListSessions(r.Context(), caller.UserRef)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
}

func (s *Server) syncSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	result, err := s.sessionSvc.SyncSession(r.Context(), id)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	s.applyTransition(w, r, s.sessionSvc.StartSession)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	s.applyTransition(w, r, s.sessionSvc.EndSession)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	s.applyTransition(w, r, s.sessionSvc.CancelSession)
}

func (s *Server) applyTransition(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, id uuid.UUID, actor string) (domainSession.Session, error),
) {
	caller := authUserFromContext(r.Context())
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	sess, err := op(r.Context(), id, caller.UserRef)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func respondSessionError(w http.ResponseWriter, err error) {
	var ledgerErr *reconcile.LedgerFailure
	switch {
	case errors.Is(err, domainSession.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domainSession.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "UNAUTHORIZED", err.Error())
	case errors.Is(err, domainSession.ErrTerminalState), errors.Is(err, domainSession.ErrInvalidForState):
		respondError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.As(err, &ledgerErr):
		respondError(w, http.StatusBadGateway, "LEDGER_FAILURE", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	}
}

// sseEndpoint streams canonical session updates for the caller's sessions.
func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	caller := authUserFromContext(r.Context())
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	// Hub keys are scoped per user so one caller's client_id cannot
	// displace another user's registration.
	hubKey := caller.UserRef + ":" + clientID

	client := sse.NewClient(hubKey, caller.UserRef)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(hubKey)

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.MessageChan:
			if msg == nil {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

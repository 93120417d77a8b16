package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shopsage/sessiond/internal/application/reconcile"
	"github.com/shopsage/sessiond/internal/call"
	"github.com/shopsage/sessiond/internal/domain/policy"
	domainSession "github.com/shopsage/sessiond/internal/domain/session"
	"github.com/shopsage/sessiond/internal/ledger"
	"github.com/shopsage/sessiond/internal/record"
)

// Service is the session orchestrator: the only entry point callers use to
// create and drive escrowed consultation sessions.
type Service struct {
	engine  *reconcile.Engine
	ledger  ledger.Client
	records record.Store
	calls   call.Provisioner
	refunds *policy.RefundPolicy
	logger  zerolog.Logger
}

func NewService(
	engine *reconcile.Engine,
	ledgerClient ledger.Client,
	records record.Store,
	calls call.Provisioner,
	refunds *policy.RefundPolicy,
	logger zerolog.Logger,
) *Service {
	return &Service{
		engine:  engine,
		ledger:  ledgerClient,
		records: records,
		calls:   calls,
		refunds: refunds,
		logger:  logger.With().Str("service", "session").Logger(),
	}
}

// CreateRequest describes a new escrowed consultation.
type CreateRequest struct {
	ExpertRef  string
	ShopperRef string
	Amount     uint64
	StartTime  time.Time
}

// CreationResult reports a creation. The operation succeeds as long as the
// escrow transaction landed; record mirroring and call provisioning failures
// are carried as warnings, not errors.
type CreationResult struct {
	SessionID       uuid.UUID `json:"sessionId"`
	LedgerSignature string    `json:"ledgerSignature"`
	CallID          *string   `json:"callId,omitempty"`
	Warnings        []string  `json:"warnings"`
}

// CreateSession submits the escrow-creating transaction, then best-effort
// mirrors the session off-chain and provisions a call, then begins
// monitoring. Only the ledger step is fatal.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (CreationResult, error) {
	if req.ExpertRef == "" || req.ShopperRef == "" {
		return CreationResult{}, errors.New("expert and shopper refs are required")
	}
	if req.ExpertRef == req.ShopperRef {
		return CreationResult{}, errors.New("expert and shopper must differ")
	}
	if req.Amount == 0 {
		return CreationResult{}, errors.New("amount must be positive")
	}

	sessionID := uuid.New()
	created, err := s.ledger.CreateEscrowSession(ctx, sessionID, req.ShopperRef, req.ExpertRef, req.Amount)
	if err != nil {
		return CreationResult{}, &reconcile.LedgerFailure{Op: "create", Err: err}
	}

	now := time.Now().UTC()
	startTime := req.StartTime
	if startTime.IsZero() {
		startTime = now
	}
	sess := domainSession.Session{
		SessionID:       sessionID,
		ExpertRef:       req.ExpertRef,
		ShopperRef:      req.ShopperRef,
		Amount:          req.Amount,
		Status:          domainSession.StatusPending,
		StartTime:       startTime,
		LedgerConfirmed: created.Confirmed,
		LastUpdated:     now,
	}

	result := CreationResult{
		SessionID:       sessionID,
		LedgerSignature: created.Signature,
		Warnings:        []string{},
	}

	if err := s.records.Upsert(ctx, record.FromSession(sess)); err != nil {
		mirrorErr := &reconcile.RecordMirrorFailure{Err: err}
		s.logger.Warn().Err(mirrorErr).Str("session_id", sessionID.String()).Msg("create mirror failed")
		result.Warnings = append(result.Warnings, mirrorErr.Error())
	} else {
		sess.RecordSynced = true
	}

	callID, err := s.calls.Provision(ctx, sessionID.String(), []string{req.ExpertRef, req.ShopperRef})
	if err != nil {
		provErr := &reconcile.CallProvisionFailure{Err: err}
		s.logger.Warn().Err(provErr).Str("session_id", sessionID.String()).Msg("create call provisioning failed")
		result.Warnings = append(result.Warnings, provErr.Error())
	} else {
		sess.CallID = &callID
		result.CallID = &callID
	}

	s.engine.Register(sess)

	s.logger.Info().
		Str("session_id", sessionID.String()).
		Str("expert", req.ExpertRef).
		Str("shopper", req.ShopperRef).
		Uint64("amount", req.Amount).
		Str("signature", created.Signature).
		Msg("session created")
	return result, nil
}

// StartSession moves a pending session to active. Expert only.
func (s *Service) StartSession(ctx context.Context, sessionID uuid.UUID, actorRef string) (domainSession.Session, error) {
	view, err := s.ensureMonitored(ctx, sessionID)
	if err != nil {
		return domainSession.Session{}, err
	}
	if actorRef != view.ExpertRef {
		return domainSession.Session{}, domainSession.ErrUnauthorized
	}
	return s.engine.ApplyUserEvent(ctx, sessionID, domainSession.Event{
		Type:  domainSession.EventUserStart,
		Actor: actorRef,
	})
}

// EndSession completes an active session, releasing escrow to the expert.
// Expert only.
func (s *Service) EndSession(ctx context.Context, sessionID uuid.UUID, actorRef string) (domainSession.Session, error) {
	view, err := s.ensureMonitored(ctx, sessionID)
	if err != nil {
		return domainSession.Session{}, err
	}
	if actorRef != view.ExpertRef {
		return domainSession.Session{}, domainSession.ErrUnauthorized
	}
	return s.engine.ApplyUserEvent(ctx, sessionID, domainSession.Event{
		Type:  domainSession.EventUserEnd,
		Actor: actorRef,
	})
}

// CancelSession aborts a pending or active session. Either original party
// may cancel; the refund split follows the configured cancellation policy.
func (s *Service) CancelSession(ctx context.Context, sessionID uuid.UUID, actorRef string) (domainSession.Session, error) {
	view, err := s.ensureMonitored(ctx, sessionID)
	if err != nil {
		return domainSession.Session{}, err
	}
	if !view.IsParty(actorRef) {
		return domainSession.Session{}, domainSession.ErrUnauthorized
	}
	refundBps, err := s.refunds.RefundBps(*view, actorRef, time.Now().UTC())
	if err != nil {
		return domainSession.Session{}, fmt.Errorf("refund policy: %w", err)
	}
	return s.engine.ApplyUserEvent(ctx, sessionID, domainSession.Event{
		Type:      domainSession.EventUserCancel,
		Actor:     actorRef,
		RefundBps: refundBps,
	})
}

// GetSessionView returns the canonical in-memory view if monitored, else a
// one-shot ledger-derived view, else nil.
func (s *Service) GetSessionView(ctx context.Context, sessionID uuid.UUID) (*domainSession.Session, error) {
	if v := s.engine.View(sessionID); v != nil {
		return v, nil
	}
	led, err := s.engine.ReadLedger(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil
		}
		return nil, &reconcile.LedgerFailure{Op: "read", Err: err}
	}
	view := reconcile.SessionFromLedger(led)
	return &view, nil
}

// SyncSession performs a one-shot reconciliation of ledger and record.
func (s *Service) SyncSession(ctx context.Context, sessionID uuid.UUID) (reconcile.SyncResult, error) {
	return s.engine.SyncSession(ctx, sessionID)
}

// ListSessions returns the off-chain records involving a user, newest first.
func (s *Service) ListSessions(ctx context.Context, userRef string) ([]*record.Record, error) {
	return s.records.ListForUser(ctx, userRef)
}

// Subscribe registers a listener for one session's canonical updates and
// ensures the session is being monitored.
func (s *Service) Subscribe(sessionID uuid.UUID, l reconcile.Listener) func() {
	return s.engine.Subscribe(sessionID, l)
}

// ensureMonitored returns the canonical view, re-adopting the session from
// the ledger if it is not currently monitored (e.g. after a restart).
func (s *Service) ensureMonitored(ctx context.Context, sessionID uuid.UUID) (*domainSession.Session, error) {
	if v := s.engine.View(sessionID); v != nil {
		return v, nil
	}
	led, err := s.engine.ReadLedger(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, domainSession.ErrNotFound
		}
		return nil, &reconcile.LedgerFailure{Op: "read", Err: err}
	}
	sess := reconcile.SessionFromLedger(led)
	s.engine.Register(sess)
	return &sess, nil
}

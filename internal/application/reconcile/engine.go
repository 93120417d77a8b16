package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shopsage/sessiond/internal/call"
	"github.com/shopsage/sessiond/internal/domain/session"
	"github.com/shopsage/sessiond/internal/ledger"
	"github.com/shopsage/sessiond/internal/record"
)

// Listener receives canonical session updates. Panics in a listener are
// recovered and logged, never propagated to other listeners or the poller.
type Listener func(session.Session)

// Config tunes the engine's polling and retry behavior.
type Config struct {
	PollInterval       time.Duration
	LeafTimeout        time.Duration
	RetryAttempts      int
	RetryBackoff       time.Duration
	TerminalGraceTicks int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeafTimeout <= 0 {
		c.LeafTimeout = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.TerminalGraceTicks <= 0 {
		c.TerminalGraceTicks = 3
	}
	return c
}

// SyncResult is the outcome of a one-shot reconciliation.
type SyncResult struct {
	LedgerState *session.Status `json:"ledgerState,omitempty"`
	RecordState *session.Status `json:"recordState,omitempty"`
	Conflicts   []string        `json:"conflicts"`
	Success     bool            `json:"success"`
}

// monitored is the per-session reconciliation state. applyMu serializes the
// logical event pipeline (poll ticks and user events) for one session; the
// canonical value itself is swapped whole through an atomic pointer so
// readers never observe a partially applied transition.
type monitored struct {
	id     uuid.UUID
	view   atomic.Pointer[session.Session]
	cancel context.CancelFunc

	applyMu       sync.Mutex
	appliedSeq    uint64 // guarded by applyMu
	graceTicks    int    // guarded by applyMu
	callDestroyed bool   // guarded by applyMu

	readSeq atomic.Uint64

	listenerMu sync.Mutex
	listeners  map[int]Listener
	nextID     int
}

// Engine owns the canonical in-memory view of monitored sessions and keeps
// it converged with the ledger, mirroring to the off-chain record store and
// coordinating call provisioning along the way. The ledger always wins.
type Engine struct {
	ledger  ledger.Client
	records record.Store
	calls   call.Provisioner
	cfg     Config
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[uuid.UUID]*monitored

	globalMu        sync.Mutex
	globalListeners map[int]Listener
	globalNextID    int
}

func NewEngine(ledgerClient ledger.Client, records record.Store, calls call.Provisioner, cfg Config, logger zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ledger:          ledgerClient,
		records:         records,
		calls:           calls,
		cfg:             cfg.withDefaults(),
		logger:          logger.With().Str("service", "reconcile").Logger(),
		ctx:             ctx,
		cancel:          cancel,
		sessions:        make(map[uuid.UUID]*monitored),
		globalListeners: make(map[int]Listener),
	}
}

// Close stops all pollers.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, m := range e.sessions {
		m.cancel()
		delete(e.sessions, id)
	}
}

// Register adopts a fully known session (typically straight after escrow
// creation) and begins monitoring it. Idempotent per session id: once a
// session is monitored its canonical state advances only through the
// serialized pipeline, so a re-register never overwrites it. The one
// exception is a placeholder inserted by StartMonitoring before any ledger
// read, which carries no identity yet and is safe to fill in.
func (e *Engine) Register(s session.Session) {
	e.mu.Lock()
	m, ok := e.sessions[s.SessionID]
	if !ok {
		e.startLocked(s)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	cur := m.view.Load()
	if cur.ExpertRef != "" || cur.ShopperRef != "" || m.appliedSeq > 0 {
		return
	}
	e.commitLocked(m, s)
}

// StartMonitoring begins polling a session id, inserting a placeholder
// pending view if the session is not yet known. Idempotent.
func (e *Engine) StartMonitoring(sessionID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[sessionID]; ok {
		return
	}
	now := time.Now().UTC()
	e.startLocked(session.Session{
		SessionID:   sessionID,
		Status:      session.StatusPending,
		LastUpdated: now,
	})
}

func (e *Engine) startLocked(s session.Session) {
	ctx, cancel := context.WithCancel(e.ctx)
	m := &monitored{
		id:        s.SessionID,
		cancel:    cancel,
		listeners: make(map[int]Listener),
	}
	m.view.Store(&s)
	e.sessions[s.SessionID] = m
	go e.pollLoop(ctx, m)
	e.logger.Info().Str("session_id", s.SessionID.String()).Msg("monitoring started")
}

// StopMonitoring halts polling and drops listeners for a session id.
// Idempotent; the session's history remains queryable via SyncSession.
func (e *Engine) StopMonitoring(sessionID uuid.UUID) {
	e.mu.Lock()
	m, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	m.cancel()
	m.listenerMu.Lock()
	m.listeners = make(map[int]Listener)
	m.listenerMu.Unlock()
	e.logger.Info().Str("session_id", sessionID.String()).Msg("monitoring stopped")
}

// View returns the canonical in-memory session, or nil if not monitored.
func (e *Engine) View(sessionID uuid.UUID) *session.Session {
	m := e.get(sessionID)
	if m == nil {
		return nil
	}
	v := m.view.Load()
	copied := *v
	return &copied
}

// Subscribe registers a listener for canonical updates of one session,
// starting monitoring if needed. The returned function removes exactly this
// registration.
func (e *Engine) Subscribe(sessionID uuid.UUID, l Listener) func() {
	e.StartMonitoring(sessionID)
	m := e.get(sessionID)
	if m == nil {
		// Raced with Close; nothing to unsubscribe.
		return func() {}
	}
	m.listenerMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.listenerMu.Unlock()
	return func() {
		m.listenerMu.Lock()
		delete(m.listeners, id)
		m.listenerMu.Unlock()
	}
}

// SubscribeAll registers a listener for canonical updates of every
// monitored session. The returned function removes the registration.
func (e *Engine) SubscribeAll(l Listener) func() {
	e.globalMu.Lock()
	id := e.globalNextID
	e.globalNextID++
	e.globalListeners[id] = l
	e.globalMu.Unlock()
	return func() {
		e.globalMu.Lock()
		delete(e.globalListeners, id)
		e.globalMu.Unlock()
	}
}

func (e *Engine) get(sessionID uuid.UUID) *monitored {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sessionID]
}

// ApplyUserEvent runs a user-triggered transition through the state machine
// and executes its side effects. A ledger submission failure is fatal and
// leaves canonical state untouched; record mirroring and call provisioning
// failures are logged and retried on later poll ticks.
func (e *Engine) ApplyUserEvent(ctx context.Context, sessionID uuid.UUID, ev session.Event) (session.Session, error) {
	m := e.get(sessionID)
	if m == nil {
		return session.Session{}, session.ErrNotFound
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	cur := *m.view.Load()
	next, effects, err := session.Transition(cur, ev)
	if err != nil {
		return cur, err
	}

	for _, eff := range effects {
		t, ok := ledgerTransition(eff.Kind, ev.RefundBps)
		if !ok {
			continue
		}
		submitErr := e.withRetry(ctx, func(cctx context.Context) error {
			_, err := e.ledger.TransitionSession(cctx, sessionID, t, ev.Actor)
			return err
		})
		if submitErr != nil {
			e.logger.Warn().Err(submitErr).
				Str("session_id", sessionID.String()).
				Str("transition", string(t.Kind)).
				Msg("ledger submission failed; state not advanced")
			return cur, &LedgerFailure{Op: string(t.Kind), Err: submitErr}
		}
	}

	// Reads issued before this event could otherwise apply afterwards and
	// revert the submitted transition until the next poll.
	m.appliedSeq = m.readSeq.Load()

	e.runRecoverableEffects(ctx, m, &next, effects)
	e.commitLocked(m, next)
	return next, nil
}

// SyncSession performs a one-shot reconciliation combining a ledger read and
// a record-store read. Active monitoring is not required. The ledger status
// always wins; any disagreement is reported in Conflicts and repaired in the
// record store best-effort.
func (e *Engine) SyncSession(ctx context.Context, sessionID uuid.UUID) (SyncResult, error) {
	res := SyncResult{Conflicts: []string{}}

	var led *ledger.Session
	err := e.withRetry(ctx, func(cctx context.Context) error {
		var rerr error
		led, rerr = e.ledger.ReadSession(cctx, sessionID)
		if errors.Is(rerr, ledger.ErrNotFound) {
			led = nil
			return nil
		}
		return rerr
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("sync ledger read failed")
		return res, &LedgerFailure{Op: "read", Err: err}
	}

	rec, recErr := e.records.Get(ctx, sessionID)
	if recErr != nil {
		e.logger.Warn().Err(recErr).Str("session_id", sessionID.String()).Msg("sync record read failed")
	} else if rec != nil {
		res.RecordState = &rec.Status
	}

	res.Success = true
	if led == nil {
		return res, nil
	}
	res.LedgerState = &led.Status

	if rec != nil && rec.Status != led.Status {
		conflict := session.Conflict{LedgerStatus: led.Status, RecordStatus: rec.Status}
		res.Conflicts = append(res.Conflicts, conflict.String())
	}

	// Feed monitored sessions through the normal pipeline; otherwise
	// repair the record directly from the ledger truth.
	if m := e.get(sessionID); m != nil {
		seq := m.readSeq.Add(1)
		e.applyObservation(m, seq, led)
	} else if rec == nil || rec.Status != led.Status {
		s := sessionFromLedger(led)
		if upErr := e.records.Upsert(ctx, record.FromSession(s)); upErr != nil {
			e.logger.Warn().Err(upErr).Str("session_id", sessionID.String()).Msg("sync record repair failed")
		}
	}

	return res, nil
}

// SessionFromLedger builds a canonical view for a session known only from a
// ledger read, e.g. one no longer under monitoring.
func SessionFromLedger(led *ledger.Session) session.Session {
	return sessionFromLedger(led)
}

func sessionFromLedger(led *ledger.Session) session.Session {
	return session.Session{
		SessionID:       led.SessionID,
		ExpertRef:       led.ExpertRef,
		ShopperRef:      led.ShopperRef,
		Amount:          led.Amount,
		Status:          led.Status,
		StartTime:       led.StartTime,
		ActualStartTime: led.ActualStartTime,
		EndTime:         led.EndTime,
		LedgerConfirmed: true,
		LastUpdated:     time.Now().UTC(),
	}
}

// ReadLedger performs a bounded-retry ledger read outside the poll loop.
func (e *Engine) ReadLedger(ctx context.Context, sessionID uuid.UUID) (*ledger.Session, error) {
	var led *ledger.Session
	err := e.withRetry(ctx, func(cctx context.Context) error {
		var rerr error
		led, rerr = e.ledger.ReadSession(cctx, sessionID)
		return rerr
	})
	return led, err
}

func ledgerTransition(kind session.EffectKind, refundBps int) (ledger.Transition, bool) {
	switch kind {
	case session.EffectSubmitStart:
		return ledger.Transition{Kind: ledger.TransitionStart}, true
	case session.EffectSubmitEnd:
		return ledger.Transition{Kind: ledger.TransitionEnd}, true
	case session.EffectSubmitCancel:
		return ledger.Transition{Kind: ledger.TransitionCancel, RefundBps: refundBps}, true
	}
	return ledger.Transition{}, false
}

// runRecoverableEffects executes the non-fatal side effects of a transition,
// mutating next in place (CallID, RecordSynced). Failures are logged; the
// poll loop retries them opportunistically.
func (e *Engine) runRecoverableEffects(ctx context.Context, m *monitored, next *session.Session, effects []session.SideEffect) {
	for _, eff := range effects {
		switch eff.Kind {
		case session.EffectProvisionCall:
			e.provisionCall(ctx, m, next)
		case session.EffectDestroyCall:
			e.destroyCall(ctx, m, next)
		case session.EffectMirrorRecord:
			e.mirrorRecord(ctx, next)
		}
	}
}

func (e *Engine) provisionCall(ctx context.Context, m *monitored, next *session.Session) {
	if next.CallID != nil || next.ExpertRef == "" || next.ShopperRef == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.LeafTimeout)
	callID, err := e.calls.Provision(cctx, next.SessionID.String(), []string{next.ExpertRef, next.ShopperRef})
	cancel()
	if err != nil {
		e.logger.Warn().Err(&CallProvisionFailure{Err: err}).
			Str("session_id", next.SessionID.String()).
			Msg("call provisioning failed; will retry")
		return
	}
	next.CallID = &callID
}

func (e *Engine) destroyCall(ctx context.Context, m *monitored, next *session.Session) {
	if next.CallID == nil || m.callDestroyed {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.LeafTimeout)
	err := e.calls.Destroy(cctx, *next.CallID)
	cancel()
	if err != nil {
		e.logger.Warn().Err(err).
			Str("session_id", next.SessionID.String()).
			Str("call_id", *next.CallID).
			Msg("call destroy failed; will retry")
		return
	}
	m.callDestroyed = true
}

func (e *Engine) mirrorRecord(ctx context.Context, next *session.Session) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.LeafTimeout)
	err := e.records.Upsert(cctx, record.FromSession(*next))
	cancel()
	if err != nil {
		e.logger.Warn().Err(&RecordMirrorFailure{Err: err}).
			Str("session_id", next.SessionID.String()).
			Msg("record mirror failed; will retry")
		next.RecordSynced = false
		return
	}
	next.RecordSynced = true
}

// commitLocked swaps the canonical value and notifies listeners. Callers
// hold m.applyMu.
func (e *Engine) commitLocked(m *monitored, next session.Session) {
	m.view.Store(&next)
	e.notify(m, next)
}

func (e *Engine) notify(m *monitored, s session.Session) {
	m.listenerMu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenerMu.Unlock()
	e.globalMu.Lock()
	for _, l := range e.globalListeners {
		listeners = append(listeners, l)
	}
	e.globalMu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().
						Interface("panic", r).
						Str("session_id", s.SessionID.String()).
						Msg("session listener panicked")
				}
			}()
			l(s)
		}()
	}
}

func (e *Engine) withRetry(ctx context.Context, op func(context.Context) error) error {
	backoff := e.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt < e.cfg.RetryAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.LeafTimeout)
		err = op(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == e.cfg.RetryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

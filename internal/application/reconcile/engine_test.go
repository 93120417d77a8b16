package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shopsage/sessiond/internal/domain/session"
	"github.com/shopsage/sessiond/internal/ledger"
	"github.com/shopsage/sessiond/internal/record"
)

// fakeLedger is a stateful in-memory ledger with injectable failures.
type fakeLedger struct {
	mu            sync.Mutex
	sessions      map[uuid.UUID]*ledger.Session
	transitionErr error
	readErr       error
	transitions   []ledger.Transition
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{sessions: make(map[uuid.UUID]*ledger.Session)}
}

func (f *fakeLedger) put(s *ledger.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *s
	f.sessions[s.SessionID] = &copied
}

func (f *fakeLedger) CreateEscrowSession(_ context.Context, sessionID uuid.UUID, shopperRef, expertRef string, amount uint64) (ledger.CreateResult, error) {
	f.put(&ledger.Session{
		SessionID:  sessionID,
		ExpertRef:  expertRef,
		ShopperRef: shopperRef,
		Amount:     amount,
		Status:     session.StatusPending,
		StartTime:  time.Now().UTC(),
	})
	return ledger.CreateResult{Signature: "sig-create", Confirmed: true}, nil
}

func (f *fakeLedger) TransitionSession(_ context.Context, sessionID uuid.UUID, t ledger.Transition, _ string) (ledger.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return ledger.TxResult{}, f.transitionErr
	}
	f.transitions = append(f.transitions, t)
	if s, ok := f.sessions[sessionID]; ok {
		now := time.Now().UTC()
		switch t.Kind {
		case ledger.TransitionStart:
			s.Status = session.StatusActive
			s.ActualStartTime = &now
		case ledger.TransitionEnd:
			s.Status = session.StatusCompleted
			s.EndTime = &now
		case ledger.TransitionCancel:
			s.Status = session.StatusCancelled
			s.EndTime = &now
		}
	}
	return ledger.TxResult{Signature: "sig-transition"}, nil
}

func (f *fakeLedger) ReadSession(_ context.Context, sessionID uuid.UUID) (*ledger.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

// failingStore rejects upserts while fail is set.
type failingStore struct {
	mu    sync.Mutex
	fail  bool
	inner *record.MemoryStore
}

func newFailingStore() *failingStore {
	return &failingStore{inner: record.NewMemoryStore()}
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *failingStore) Upsert(ctx context.Context, rec *record.Record) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("record store unavailable")
	}
	return s.inner.Upsert(ctx, rec)
}

func (s *failingStore) Get(ctx context.Context, sessionID uuid.UUID) (*record.Record, error) {
	return s.inner.Get(ctx, sessionID)
}

func (s *failingStore) ListForUser(ctx context.Context, userRef string) ([]*record.Record, error) {
	return s.inner.ListForUser(ctx, userRef)
}

// countingCalls counts provision and destroy attempts.
type countingCalls struct {
	mu         sync.Mutex
	provisions int
	destroys   int
	failProv   bool
}

func (c *countingCalls) Provision(_ context.Context, sessionID string, _ []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provisions++
	if c.failProv {
		return "", errors.New("call vendor unavailable")
	}
	return "room-" + sessionID, nil
}

func (c *countingCalls) Destroy(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroys++
	return nil
}

func (c *countingCalls) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provisions, c.destroys
}

func testConfig() Config {
	return Config{
		PollInterval:       time.Hour, // ticks driven manually
		LeafTimeout:        time.Second,
		RetryAttempts:      1,
		RetryBackoff:       time.Millisecond,
		TerminalGraceTicks: 2,
	}
}

func pendingSession(id uuid.UUID) session.Session {
	return session.Session{
		SessionID:   id,
		ExpertRef:   "expert-1",
		ShopperRef:  "shopper-1",
		Amount:      5000,
		Status:      session.StatusPending,
		StartTime:   time.Now().UTC(),
		LastUpdated: time.Now().UTC(),
	}
}

func TestApplyUserEventStart(t *testing.T) {
	led := newFakeLedger()
	store := newFailingStore()
	calls := &countingCalls{}
	e := NewEngine(led, store, calls, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusPending})
	e.Register(pendingSession(id))

	next, err := e.ApplyUserEvent(context.Background(), id, session.Event{Type: session.EventUserStart, Actor: "expert-1"})
	if err != nil {
		t.Fatalf("apply start: %v", err)
	}
	if next.Status != session.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", next.Status)
	}
	if next.CallID == nil {
		t.Fatal("expected call provisioned on start")
	}
	if !next.RecordSynced {
		t.Fatal("expected record mirrored")
	}
	if len(led.transitions) != 1 || led.transitions[0].Kind != ledger.TransitionStart {
		t.Fatalf("expected one START submission, got %v", led.transitions)
	}
	if v := e.View(id); v == nil || v.Status != session.StatusActive {
		t.Fatalf("canonical view not advanced: %+v", v)
	}
	rec, _ := store.Get(context.Background(), id)
	if rec == nil || rec.Status != session.StatusActive {
		t.Fatalf("record not mirrored: %+v", rec)
	}
}

func TestApplyUserEventLedgerFailureLeavesStateUntouched(t *testing.T) {
	led := newFakeLedger()
	store := newFailingStore()
	e := NewEngine(led, store, &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	e.Register(pendingSession(id))
	led.transitionErr = errors.New("rpc unavailable")

	_, err := e.ApplyUserEvent(context.Background(), id, session.Event{Type: session.EventUserStart, Actor: "expert-1"})
	var lf *LedgerFailure
	if !errors.As(err, &lf) {
		t.Fatalf("expected LedgerFailure, got %v", err)
	}
	if v := e.View(id); v.Status != session.StatusPending {
		t.Fatalf("state advanced despite ledger failure: %s", v.Status)
	}
}

func TestApplyUserEventRecordFailureIsNotFatal(t *testing.T) {
	led := newFakeLedger()
	store := newFailingStore()
	store.setFail(true)
	e := NewEngine(led, store, &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusPending})
	e.Register(pendingSession(id))

	next, err := e.ApplyUserEvent(context.Background(), id, session.Event{Type: session.EventUserStart, Actor: "expert-1"})
	if err != nil {
		t.Fatalf("record failures must not fail the user operation: %v", err)
	}
	if next.Status != session.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", next.Status)
	}
	if next.RecordSynced {
		t.Fatal("record cannot be marked synced after a failed mirror")
	}
}

func TestApplyUserEventInvalidTransition(t *testing.T) {
	led := newFakeLedger()
	e := NewEngine(led, newFailingStore(), &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	e.Register(pendingSession(id))

	if _, err := e.ApplyUserEvent(context.Background(), id, session.Event{Type: session.EventUserEnd, Actor: "expert-1"}); !errors.Is(err, session.ErrInvalidForState) {
		t.Fatalf("expected ErrInvalidForState, got %v", err)
	}
	if len(led.transitions) != 0 {
		t.Fatal("invalid transition must not reach the ledger")
	}
}

func TestPollTickAdoptsLedgerStatus(t *testing.T) {
	led := newFakeLedger()
	store := newFailingStore()
	e := NewEngine(led, store, &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	e.Register(pendingSession(id))
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusActive})

	e.pollTick(context.Background(), e.get(id))

	v := e.View(id)
	if v.Status != session.StatusActive {
		t.Fatalf("expected ledger status adopted, got %s", v.Status)
	}
	if !v.LedgerConfirmed {
		t.Fatal("expected ledger confirmation")
	}
	rec, _ := store.Get(context.Background(), id)
	if rec == nil || rec.Status != session.StatusActive {
		t.Fatalf("record not mirrored after observation: %+v", rec)
	}
}

func TestPollTickReadFailureIsNoObservation(t *testing.T) {
	led := newFakeLedger()
	e := NewEngine(led, newFailingStore(), &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	e.Register(pendingSession(id))
	led.readErr = errors.New("rpc timeout")

	e.pollTick(context.Background(), e.get(id))

	if v := e.View(id); v.Status != session.StatusPending || v.LedgerConfirmed {
		t.Fatalf("failed read must not change state: %+v", v)
	}
}

func TestStaleReadDiscarded(t *testing.T) {
	led := newFakeLedger()
	e := NewEngine(led, newFailingStore(), &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusPending})
	e.Register(pendingSession(id))
	m := e.get(id)

	// A read issued before the user event completes after it.
	staleSeq := m.readSeq.Add(1)
	staleView := &ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusPending}

	if _, err := e.ApplyUserEvent(context.Background(), id, session.Event{Type: session.EventUserStart, Actor: "expert-1"}); err != nil {
		t.Fatalf("apply start: %v", err)
	}

	e.applyObservation(m, staleSeq, staleView)

	if v := e.View(id); v.Status != session.StatusActive {
		t.Fatalf("stale read reverted the session to %s", v.Status)
	}
}

func TestTerminalSyncedSessionLeavesMonitoring(t *testing.T) {
	led := newFakeLedger()
	store := newFailingStore()
	e := NewEngine(led, store, &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	e.Register(pendingSession(id))
	end := time.Now().UTC()
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusCompleted, EndTime: &end})

	e.pollTick(context.Background(), e.get(id))

	if e.get(id) != nil {
		t.Fatal("terminal mirrored session must leave monitoring")
	}
	rec, _ := store.Get(context.Background(), id)
	if rec == nil || rec.Status != session.StatusCompleted {
		t.Fatalf("expected terminal record mirrored, got %+v", rec)
	}
}

func TestTerminalUnmirroredSessionDroppedAfterGrace(t *testing.T) {
	led := newFakeLedger()
	store := newFailingStore()
	store.setFail(true)
	e := NewEngine(led, store, &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	e.Register(pendingSession(id))
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusCancelled})

	m := e.get(id)
	e.pollTick(context.Background(), m)
	if e.get(id) == nil {
		t.Fatal("session dropped before grace period elapsed")
	}
	e.pollTick(context.Background(), m)
	if e.get(id) != nil {
		t.Fatal("expected session dropped after grace ticks")
	}
}

func TestCallDestroyedExactlyOnce(t *testing.T) {
	led := newFakeLedger()
	store := newFailingStore()
	store.setFail(true) // keep session under monitoring across ticks
	calls := &countingCalls{}
	cfg := testConfig()
	cfg.TerminalGraceTicks = 10
	e := NewEngine(led, store, calls, cfg, zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	s := pendingSession(id)
	callID := "room-1"
	s.Status = session.StatusActive
	s.CallID = &callID
	e.Register(s)
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusCompleted})

	m := e.get(id)
	e.pollTick(context.Background(), m)
	e.pollTick(context.Background(), m)

	if _, destroys := calls.counts(); destroys != 1 {
		t.Fatalf("expected exactly one destroy, got %d", destroys)
	}
}

func TestSubscribeNotifiesAndUnsubscribes(t *testing.T) {
	led := newFakeLedger()
	e := NewEngine(led, newFailingStore(), &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusPending})
	e.Register(pendingSession(id))

	var mu sync.Mutex
	var seen []session.Status
	unsubscribe := e.Subscribe(id, func(s session.Session) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})

	if _, err := e.ApplyUserEvent(context.Background(), id, session.Event{Type: session.EventUserStart, Actor: "expert-1"}); err != nil {
		t.Fatalf("apply start: %v", err)
	}
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 1 || seen[0] != session.StatusActive {
		t.Fatalf("expected one ACTIVE notification, got %v", seen)
	}

	unsubscribe()
	if _, err := e.ApplyUserEvent(context.Background(), id, session.Event{Type: session.EventUserEnd, Actor: "expert-1"}); err != nil {
		t.Fatalf("apply end: %v", err)
	}
	mu.Lock()
	n = len(seen)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected no notifications after unsubscribe, got %d", n)
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	led := newFakeLedger()
	e := NewEngine(led, newFailingStore(), &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusPending})
	e.Register(pendingSession(id))

	e.Subscribe(id, func(session.Session) { panic("boom") })
	notified := false
	e.Subscribe(id, func(session.Session) { notified = true })

	if _, err := e.ApplyUserEvent(context.Background(), id, session.Event{Type: session.EventUserStart, Actor: "expert-1"}); err != nil {
		t.Fatalf("apply start: %v", err)
	}
	if !notified {
		t.Fatal("panicking listener starved the other listeners")
	}
}

func TestSubscribeAllReceivesEveryUpdate(t *testing.T) {
	led := newFakeLedger()
	e := NewEngine(led, newFailingStore(), &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusPending})
	e.Register(pendingSession(id))

	var mu sync.Mutex
	count := 0
	unsubscribe := e.SubscribeAll(func(session.Session) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer unsubscribe()

	if _, err := e.ApplyUserEvent(context.Background(), id, session.Event{Type: session.EventUserStart, Actor: "expert-1"}); err != nil {
		t.Fatalf("apply start: %v", err)
	}
	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected one global notification, got %d", got)
	}
}

func TestSyncSessionReportsConflictAndRepairs(t *testing.T) {
	led := newFakeLedger()
	store := newFailingStore()
	e := NewEngine(led, store, &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusActive})
	_ = store.Upsert(context.Background(), &record.Record{
		SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Status: session.StatusPending, Amount: 5000,
	})

	res, err := e.SyncSession(context.Background(), id)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Success {
		t.Fatal("expected success")
	}
	if res.LedgerState == nil || *res.LedgerState != session.StatusActive {
		t.Fatalf("unexpected ledger state: %v", res.LedgerState)
	}
	if res.RecordState == nil || *res.RecordState != session.StatusPending {
		t.Fatalf("unexpected record state: %v", res.RecordState)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0] != "status mismatch: ledger=ACTIVE, record=PENDING" {
		t.Fatalf("unexpected conflicts: %v", res.Conflicts)
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != session.StatusActive {
		t.Fatalf("record not repaired to ledger truth, got %s", rec.Status)
	}
}

func TestSyncSessionUnknownEverywhere(t *testing.T) {
	led := newFakeLedger()
	e := NewEngine(led, newFailingStore(), &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	res, err := e.SyncSession(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Success || res.LedgerState != nil || res.RecordState != nil || len(res.Conflicts) != 0 {
		t.Fatalf("expected clean empty result, got %+v", res)
	}
}

func TestSyncSessionLedgerFailure(t *testing.T) {
	led := newFakeLedger()
	led.readErr = errors.New("rpc unavailable")
	e := NewEngine(led, newFailingStore(), &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	_, err := e.SyncSession(context.Background(), uuid.New())
	var lf *LedgerFailure
	if !errors.As(err, &lf) {
		t.Fatalf("expected LedgerFailure, got %v", err)
	}
}

func TestPlaceholderEnrichedFromLedger(t *testing.T) {
	led := newFakeLedger()
	e := NewEngine(led, newFailingStore(), &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 7000, Status: session.StatusActive, StartTime: time.Now().UTC()})
	e.StartMonitoring(id)

	e.pollTick(context.Background(), e.get(id))

	v := e.View(id)
	if v.ExpertRef != "expert-1" || v.ShopperRef != "shopper-1" || v.Amount != 7000 {
		t.Fatalf("placeholder not enriched from ledger: %+v", v)
	}
	if v.Status != session.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", v.Status)
	}
}

func TestReRegisterDoesNotRevertAdvancedState(t *testing.T) {
	led := newFakeLedger()
	store := newFailingStore()
	calls := &countingCalls{}
	e := NewEngine(led, store, calls, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	led.put(&ledger.Session{SessionID: id, ExpertRef: "expert-1", ShopperRef: "shopper-1", Amount: 5000, Status: session.StatusPending})
	snapshot := pendingSession(id)
	e.Register(snapshot)

	next, err := e.ApplyUserEvent(context.Background(), id, session.Event{Type: session.EventUserStart, Actor: "expert-1"})
	if err != nil {
		t.Fatalf("apply start: %v", err)
	}
	if next.Status != session.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", next.Status)
	}

	// A racing caller that read the ledger before the start landed must not
	// clobber the committed transition.
	e.Register(snapshot)

	v := e.View(id)
	if v.Status != session.StatusActive {
		t.Fatalf("re-register reverted canonical state to %s", v.Status)
	}
	if v.CallID == nil {
		t.Fatal("re-register dropped the provisioned call id")
	}
}

func TestRegisterFillsPlaceholderOnly(t *testing.T) {
	led := newFakeLedger()
	e := NewEngine(led, newFailingStore(), &countingCalls{}, testConfig(), zerolog.Nop())
	defer e.Close()

	id := uuid.New()
	e.StartMonitoring(id)

	e.Register(pendingSession(id))

	v := e.View(id)
	if v.ExpertRef != "expert-1" || v.ShopperRef != "shopper-1" {
		t.Fatalf("placeholder not filled by register: %+v", v)
	}
}

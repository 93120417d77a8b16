package session

import (
	"time"
)

// EventType identifies a state machine input.
type EventType string

const (
	EventLedgerObserved EventType = "LEDGER_OBSERVED"
	EventRecordObserved EventType = "RECORD_OBSERVED"
	EventUserStart      EventType = "USER_REQUESTED_START"
	EventUserEnd        EventType = "USER_REQUESTED_END"
	EventUserCancel     EventType = "USER_REQUESTED_CANCEL"
)

// Event is one input to Transition. Observed carries the status seen by a
// ledger or record read; Actor carries the requesting party for user events.
// RefundBps carries the cancellation refund terms and is ignored by the
// state machine itself; it flows through to the ledger submission.
type Event struct {
	Type      EventType
	Observed  Status
	Actor     string
	At        time.Time
	RefundBps int
}

// EffectKind identifies a side effect requested by a transition.
type EffectKind string

const (
	EffectSubmitStart   EffectKind = "SUBMIT_START_TX"
	EffectSubmitEnd     EffectKind = "SUBMIT_END_TX"
	EffectSubmitCancel  EffectKind = "SUBMIT_CANCEL_TX"
	EffectMirrorRecord  EffectKind = "MIRROR_RECORD"
	EffectProvisionCall EffectKind = "PROVISION_CALL"
	EffectDestroyCall   EffectKind = "DESTROY_CALL"
)

// SideEffect is an I/O action the caller must carry out after a transition.
// The state machine itself performs no I/O.
type SideEffect struct {
	Kind EffectKind
}

// Conflict reports a disagreement between the ledger and the off-chain
// record. It is informational: the ledger status has already won.
type Conflict struct {
	LedgerStatus Status
	RecordStatus Status
}

func (c Conflict) String() string {
	return "status mismatch: ledger=" + string(c.LedgerStatus) + ", record=" + string(c.RecordStatus)
}

// Transition applies one event to a session and returns the next session
// value plus the side effects required to realize it.
//
// The ledger is authoritative: a LedgerObserved status is adopted
// unconditionally (terminal states excepted, which never change), while a
// RecordObserved status never overrides the current one. User events are
// validated against the current status and fail with ErrInvalidForState or
// ErrTerminalState before any side effect is requested.
func Transition(current Session, ev Event) (Session, []SideEffect, error) {
	next := current
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch ev.Type {
	case EventLedgerObserved:
		return applyLedgerObserved(next, ev.Observed, at)

	case EventRecordObserved:
		// Informational only. A matching record means the mirror is in
		// sync; a mismatch is surfaced by the caller as a conflict.
		if ev.Observed == current.Status {
			next.RecordSynced = true
		}
		return next, nil, nil

	case EventUserStart:
		if current.Status.IsTerminal() {
			return current, nil, ErrTerminalState
		}
		if current.Status != StatusPending {
			return current, nil, ErrInvalidForState
		}
		next.Status = StatusActive
		next.ActualStartTime = &at
		next.LedgerConfirmed = false
		next.RecordSynced = false
		next.LastUpdated = at
		effects := []SideEffect{{Kind: EffectSubmitStart}}
		if current.CallID == nil {
			effects = append(effects, SideEffect{Kind: EffectProvisionCall})
		}
		effects = append(effects, SideEffect{Kind: EffectMirrorRecord})
		return next, effects, nil

	case EventUserEnd:
		if current.Status.IsTerminal() {
			return current, nil, ErrTerminalState
		}
		if current.Status != StatusActive {
			return current, nil, ErrInvalidForState
		}
		next.Status = StatusCompleted
		next.EndTime = &at
		next.LedgerConfirmed = false
		next.RecordSynced = false
		next.LastUpdated = at
		effects := []SideEffect{{Kind: EffectSubmitEnd}}
		if current.CallID != nil {
			effects = append(effects, SideEffect{Kind: EffectDestroyCall})
		}
		effects = append(effects, SideEffect{Kind: EffectMirrorRecord})
		return next, effects, nil

	case EventUserCancel:
		if current.Status.IsTerminal() {
			return current, nil, ErrTerminalState
		}
		if current.Status != StatusPending && current.Status != StatusActive {
			return current, nil, ErrInvalidForState
		}
		next.Status = StatusCancelled
		next.EndTime = &at
		next.LedgerConfirmed = false
		next.RecordSynced = false
		next.LastUpdated = at
		effects := []SideEffect{{Kind: EffectSubmitCancel}}
		if current.CallID != nil {
			effects = append(effects, SideEffect{Kind: EffectDestroyCall})
		}
		effects = append(effects, SideEffect{Kind: EffectMirrorRecord})
		return next, effects, nil
	}

	return current, nil, ErrInvalidForState
}

func applyLedgerObserved(next Session, observed Status, at time.Time) (Session, []SideEffect, error) {
	if observed == next.Status {
		next.LedgerConfirmed = true
		if !next.RecordSynced {
			return next, []SideEffect{{Kind: EffectMirrorRecord}}, nil
		}
		return next, nil, nil
	}

	// Terminal statuses never change, even on a disagreeing ledger read.
	// A disagreement here can only come from a stale or reordered read.
	if next.Status.IsTerminal() {
		return next, nil, nil
	}

	prev := next.Status
	next.Status = observed
	next.LedgerConfirmed = true
	next.RecordSynced = false
	next.LastUpdated = at
	if prev == StatusPending && observed == StatusActive && next.ActualStartTime == nil {
		next.ActualStartTime = &at
	}
	if observed.IsTerminal() && next.EndTime == nil {
		next.EndTime = &at
	}

	effects := []SideEffect{{Kind: EffectMirrorRecord}}
	if observed.IsTerminal() && next.CallID != nil {
		effects = append(effects, SideEffect{Kind: EffectDestroyCall})
	}
	return next, effects, nil
}

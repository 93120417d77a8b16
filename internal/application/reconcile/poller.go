package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/shopsage/sessiond/internal/domain/session"
	"github.com/shopsage/sessiond/internal/ledger"
)

func (e *Engine) pollLoop(ctx context.Context, m *monitored) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollTick(ctx, m)
		}
	}
}

// pollTick issues one ledger read and feeds the observation through the
// session's serialized pipeline. A timed-out or failed read is no new
// observation, never a ledger-confirmed failure.
func (e *Engine) pollTick(ctx context.Context, m *monitored) {
	seq := m.readSeq.Add(1)
	cctx, cancel := context.WithTimeout(ctx, e.cfg.LeafTimeout)
	led, err := e.ledger.ReadSession(cctx, m.id)
	cancel()
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// Placeholder not yet on the ledger, or creation still in
			// flight. Try again next tick.
			return
		}
		e.logger.Debug().Err(err).
			Str("session_id", m.id.String()).
			Msg("poll read failed; no new observation")
		return
	}
	e.applyObservation(m, seq, led)
}

// applyObservation applies a completed ledger read, discarding responses
// for reads issued before the currently applied one so network reordering
// cannot invert state.
func (e *Engine) applyObservation(m *monitored, seq uint64, led *ledger.Session) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if seq <= m.appliedSeq {
		e.logger.Debug().
			Str("session_id", m.id.String()).
			Uint64("seq", seq).
			Uint64("applied_seq", m.appliedSeq).
			Msg("discarding stale ledger read")
		return
	}
	m.appliedSeq = seq

	cur := enrichFromLedger(*m.view.Load(), led)
	next, effects, err := session.Transition(cur, session.Event{
		Type:     session.EventLedgerObserved,
		Observed: led.Status,
		At:       time.Now().UTC(),
	})
	if err != nil {
		// Observations never fail transitions; guard anyway.
		e.logger.Error().Err(err).Str("session_id", m.id.String()).Msg("observation rejected")
		return
	}
	if led.ActualStartTime != nil {
		next.ActualStartTime = led.ActualStartTime
	}
	if led.EndTime != nil {
		next.EndTime = led.EndTime
	}

	e.runRecoverableEffects(e.ctx, m, &next, effects)

	// Opportunistic retries for work an earlier tick failed to finish.
	if !next.Status.IsTerminal() && next.CallID == nil {
		e.provisionCall(e.ctx, m, &next)
	}
	if next.Status.IsTerminal() && next.CallID != nil && !m.callDestroyed {
		e.destroyCall(e.ctx, m, &next)
	}

	e.commitLocked(m, next)

	if next.Status.IsTerminal() {
		if next.RecordSynced {
			e.StopMonitoring(m.id)
			return
		}
		m.graceTicks++
		if m.graceTicks >= e.cfg.TerminalGraceTicks {
			e.logger.Warn().
				Str("session_id", m.id.String()).
				Str("status", string(next.Status)).
				Msg("terminal session never mirrored; dropping from monitoring")
			e.StopMonitoring(m.id)
		}
	}
}

// enrichFromLedger fills identity fields a placeholder view lacks. Status is
// left for the state machine to reconcile.
func enrichFromLedger(cur session.Session, led *ledger.Session) session.Session {
	if cur.ExpertRef == "" {
		cur.ExpertRef = led.ExpertRef
	}
	if cur.ShopperRef == "" {
		cur.ShopperRef = led.ShopperRef
	}
	if cur.Amount == 0 {
		cur.Amount = led.Amount
	}
	if cur.StartTime.IsZero() {
		cur.StartTime = led.StartTime
	}
	return cur
}

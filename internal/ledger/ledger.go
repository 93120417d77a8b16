package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shopsage/sessiond/internal/domain/session"
)

// ErrNotFound is returned by ReadSession when no account exists for the id.
var ErrNotFound = errors.New("ledger: session not found")

// TransitionKind identifies a session-mutating ledger instruction.
type TransitionKind string

const (
	TransitionStart  TransitionKind = "START"
	TransitionEnd    TransitionKind = "END"
	TransitionCancel TransitionKind = "CANCEL"
)

// Transition describes one session-mutating ledger submission. RefundBps is
// only meaningful for cancels: 10000 refunds the shopper in full, 0 forfeits
// the whole escrow to the expert.
type Transition struct {
	Kind      TransitionKind
	RefundBps int
}

// CreateResult reports a successful escrow creation submission.
type CreateResult struct {
	Signature string
	Confirmed bool
}

// TxResult reports a successful transition submission.
type TxResult struct {
	Signature string
}

// Session is the decoded on-chain view of a session account.
type Session struct {
	SessionID       uuid.UUID
	ExpertRef       string
	ShopperRef      string
	Amount          uint64
	Status          session.Status
	StartTime       time.Time
	ActualStartTime *time.Time
	EndTime         *time.Time
}

// Client submits signed transactions to the ledger and reads account state.
// Creation is idempotent at the session-id level: the ledger program rejects
// a second create for an already-used id rather than double-charging.
type Client interface {
	CreateEscrowSession(ctx context.Context, sessionID uuid.UUID, shopperRef, expertRef string, amount uint64) (CreateResult, error)
	TransitionSession(ctx context.Context, sessionID uuid.UUID, t Transition, actorRef string) (TxResult, error)
	ReadSession(ctx context.Context, sessionID uuid.UUID) (*Session, error)
}

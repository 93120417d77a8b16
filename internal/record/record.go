package record

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shopsage/sessiond/internal/domain/session"
)

// Record is the off-chain mirror of a session, used for search and UI.
// It is a cache: the ledger remains authoritative for Status.
type Record struct {
	SessionID  uuid.UUID      `json:"sessionId"`
	ExpertRef  string         `json:"expertRef"`
	ShopperRef string         `json:"shopperRef"`
	Status     session.Status `json:"status"`
	Amount     uint64         `json:"amount"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    *time.Time     `json:"endTime,omitempty"`
	CallID     *string        `json:"callId,omitempty"`
	Notes      *string        `json:"notes,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Store is the durable off-chain session store. Its availability is
// independent of the ledger; callers treat failures as recoverable.
type Store interface {
	Upsert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, sessionID uuid.UUID) (*Record, error)
	ListForUser(ctx context.Context, userRef string) ([]*Record, error)
}

// FromSession builds the mirror row for a canonical session.
func FromSession(s session.Session) *Record {
	return &Record{
		SessionID:  s.SessionID,
		ExpertRef:  s.ExpertRef,
		ShopperRef: s.ShopperRef,
		Status:     s.Status,
		Amount:     s.Amount,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
		CallID:     s.CallID,
		UpdatedAt:  s.LastUpdated,
	}
}

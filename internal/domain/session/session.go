package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents consultation session status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further status change is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var (
	ErrInvalidForState = errors.New("event not valid for current session state")
	ErrTerminalState   = errors.New("session is in a terminal state")
	ErrUnauthorized    = errors.New("caller is not authorized for this session")
	ErrNotFound        = errors.New("session not found")
)

// Session is the canonical view of one escrowed consultation.
//
// The ledger's status is authoritative; RecordSynced tracks whether the
// off-chain record currently matches Status, and LedgerConfirmed tracks
// whether Status was confirmed by an actual ledger read rather than a
// locally submitted transaction.
type Session struct {
	SessionID       uuid.UUID  `json:"sessionId"`
	ExpertRef       string     `json:"expertRef"`
	ShopperRef      string     `json:"shopperRef"`
	Amount          uint64     `json:"amount"`
	Status          Status     `json:"status"`
	StartTime       time.Time  `json:"startTime"`
	ActualStartTime *time.Time `json:"actualStartTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	LedgerConfirmed bool       `json:"ledgerConfirmed"`
	RecordSynced    bool       `json:"recordSynced"`
	CallID          *string    `json:"callId,omitempty"`
	LastUpdated     time.Time  `json:"lastUpdated"`
}

// CanTransitionTo validates a status transition.
func (s *Session) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusPending:   {StatusActive, StatusCompleted, StatusCancelled},
		StatusActive:    {StatusCompleted, StatusCancelled},
		StatusCompleted: {},
		StatusCancelled: {},
	}
	for _, t := range transitions[s.Status] {
		if t == target {
			return true
		}
	}
	return false
}

// IsParty reports whether ref is one of the two session parties.
func (s *Session) IsParty(ref string) bool {
	return ref == s.ExpertRef || ref == s.ShopperRef
}

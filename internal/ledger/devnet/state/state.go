package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopsage/sessiond/internal/ledger/devnet/protocol"
)

const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

var (
	ErrSessionExists      = errors.New("session id already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidStatus      = errors.New("invalid session status for instruction")
	ErrUnauthorizedActor  = errors.New("unauthorized actor")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidInstruction = errors.New("invalid instruction payload")
)

// SessionAccount is the on-ledger session record. Amount stays locked in the
// account until an end or cancel instruction releases it.
type SessionAccount struct {
	SessionID       string `json:"session_id"`
	Expert          string `json:"expert"`
	Shopper         string `json:"shopper"`
	Amount          uint64 `json:"amount"`
	Status          string `json:"status"`
	StartTime       int64  `json:"start_time"`
	ActualStartTime *int64 `json:"actual_start_time,omitempty"`
	EndTime         *int64 `json:"end_time,omitempty"`
	CreateTxID      string `json:"create_tx_id"`
	LastTxID        string `json:"last_tx_id"`
}

// Machine is the deterministic escrow state machine replicated through Raft.
// All mutations go through ApplyTx; reads return copies.
type Machine struct {
	mu        sync.RWMutex
	balances  map[string]uint64
	sessions  map[string]*SessionAccount
	appliedTx map[string]struct{}
}

func NewMachine() *Machine {
	return &Machine{
		balances:  make(map[string]uint64),
		sessions:  make(map[string]*SessionAccount),
		appliedTx: make(map[string]struct{}),
	}
}

// ApplyTx applies one verified transaction. Replays of an already-applied
// tx id are accepted as no-ops so at-least-once delivery stays idempotent.
func (m *Machine) ApplyTx(tx protocol.Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.appliedTx[tx.TxID]; seen {
		return nil
	}

	var err error
	switch tx.Op {
	case protocol.OpSessionCreate:
		err = m.applyCreate(tx)
	case protocol.OpSessionStart:
		err = m.applyStart(tx)
	case protocol.OpSessionEnd:
		err = m.applyEnd(tx)
	case protocol.OpSessionCancel:
		err = m.applyCancel(tx)
	case protocol.OpFaucet:
		err = m.applyFaucet(tx)
	default:
		err = fmt.Errorf("unsupported op: %s", tx.Op)
	}
	if err != nil {
		return err
	}
	m.appliedTx[tx.TxID] = struct{}{}
	return nil
}

func (m *Machine) applyCreate(tx protocol.Tx) error {
	p, err := protocol.DecodePayload[protocol.SessionCreatePayload](tx.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if p.SessionID == "" || p.ExpertRef == "" || p.ShopperRef == "" || p.Amount == 0 {
		return ErrInvalidInstruction
	}
	if _, exists := m.sessions[p.SessionID]; exists {
		return ErrSessionExists
	}
	if tx.Actor != p.ShopperRef {
		return ErrUnauthorizedActor
	}
	if m.balances[p.ShopperRef] < p.Amount {
		return ErrInsufficientFunds
	}
	m.balances[p.ShopperRef] -= p.Amount
	m.sessions[p.SessionID] = &SessionAccount{
		SessionID:  p.SessionID,
		Expert:     p.ExpertRef,
		Shopper:    p.ShopperRef,
		Amount:     p.Amount,
		Status:     StatusPending,
		StartTime:  tx.Timestamp.UTC().Unix(),
		CreateTxID: tx.TxID,
		LastTxID:   tx.TxID,
	}
	return nil
}

func (m *Machine) applyStart(tx protocol.Tx) error {
	p, err := protocol.DecodePayload[protocol.SessionStartPayload](tx.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	acct, ok := m.sessions[p.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if acct.Status != StatusPending {
		return ErrInvalidStatus
	}
	if tx.Actor != acct.Expert {
		return ErrUnauthorizedActor
	}
	ts := tx.Timestamp.UTC().Unix()
	acct.Status = StatusActive
	acct.ActualStartTime = &ts
	acct.LastTxID = tx.TxID
	return nil
}

func (m *Machine) applyEnd(tx protocol.Tx) error {
	p, err := protocol.DecodePayload[protocol.SessionEndPayload](tx.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	acct, ok := m.sessions[p.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if acct.Status != StatusActive {
		return ErrInvalidStatus
	}
	if tx.Actor != acct.Expert {
		return ErrUnauthorizedActor
	}
	ts := tx.Timestamp.UTC().Unix()
	acct.Status = StatusCompleted
	acct.EndTime = &ts
	acct.LastTxID = tx.TxID
	m.balances[acct.Expert] += acct.Amount
	return nil
}

func (m *Machine) applyCancel(tx protocol.Tx) error {
	p, err := protocol.DecodePayload[protocol.SessionCancelPayload](tx.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if p.RefundBps < 0 || p.RefundBps > 10000 {
		return ErrInvalidInstruction
	}
	acct, ok := m.sessions[p.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if acct.Status != StatusPending && acct.Status != StatusActive {
		return ErrInvalidStatus
	}
	if tx.Actor != acct.Shopper && tx.Actor != acct.Expert {
		return ErrUnauthorizedActor
	}
	ts := tx.Timestamp.UTC().Unix()
	acct.Status = StatusCancelled
	acct.EndTime = &ts
	acct.LastTxID = tx.TxID
	refund := refundAmount(acct.Amount, p.RefundBps)
	m.balances[acct.Shopper] += refund
	m.balances[acct.Expert] += acct.Amount - refund
	return nil
}

// refundAmount splits basis points without overflowing uint64 for large
// escrow amounts.
func refundAmount(amount uint64, bps int) uint64 {
	b := uint64(bps)
	return amount/10000*b + amount%10000*b/10000
}

func (m *Machine) applyFaucet(tx protocol.Tx) error {
	p, err := protocol.DecodePayload[protocol.FaucetPayload](tx.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if p.AccountRef == "" || p.Amount == 0 {
		return ErrInvalidInstruction
	}
	m.balances[p.AccountRef] += p.Amount
	return nil
}

// GetSession returns a copy of the session account, or nil.
func (m *Machine) GetSession(sessionID string) *SessionAccount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	copied := *acct
	return &copied
}

// GetBalance returns the spendable balance of an account.
func (m *Machine) GetBalance(accountRef string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[accountRef]
}

// Stats summarizes machine contents by status.
func (m *Machine) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := map[string]int{
		"accounts":   len(m.balances),
		"sessions":   len(m.sessions),
		"applied_tx": len(m.appliedTx),
	}
	for _, acct := range m.sessions {
		stats["sessions_"+acct.Status]++
	}
	return stats
}

type snapshot struct {
	Balances  map[string]uint64          `json:"balances"`
	Sessions  map[string]*SessionAccount `json:"sessions"`
	AppliedTx []string                   `json:"applied_tx"`
}

// Marshal serializes the full machine state for Raft snapshots.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := snapshot{
		Balances:  m.balances,
		Sessions:  m.sessions,
		AppliedTx: make([]string, 0, len(m.appliedTx)),
	}
	for id := range m.appliedTx {
		snap.AppliedTx = append(snap.AppliedTx, id)
	}
	return json.Marshal(snap)
}

// Unmarshal restores machine state from a snapshot.
func (m *Machine) Unmarshal(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = snap.Balances
	m.sessions = snap.Sessions
	if m.balances == nil {
		m.balances = make(map[string]uint64)
	}
	if m.sessions == nil {
		m.sessions = make(map[string]*SessionAccount)
	}
	m.appliedTx = make(map[string]struct{}, len(snap.AppliedTx))
	for _, id := range snap.AppliedTx {
		m.appliedTx[id] = struct{}{}
	}
	return nil
}

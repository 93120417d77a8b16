// Package devnet provides a Raft-replicated development ledger implementing
// the escrow session program, plus an in-process ledger.Client for it.
package devnet

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shopsage/sessiond/internal/ledger"
	"github.com/shopsage/sessiond/internal/ledger/devnet/protocol"
	"github.com/shopsage/sessiond/internal/ledger/devnet/state"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_applier.go -package=mocks . Applier

// Applier submits verified transactions to the escrow machine. Satisfied by
// consensus.Node; Local provides a single-process variant without Raft.
type Applier interface {
	ApplyTx(ctx context.Context, tx protocol.Tx) error
	Machine() *state.Machine
}

// Local applies transactions directly to an escrow machine. Used by tests
// and single-process development runs that do not need replication.
type Local struct {
	machine *state.Machine
}

func NewLocal() *Local {
	return &Local{machine: state.NewMachine()}
}

func (l *Local) ApplyTx(_ context.Context, tx protocol.Tx) error {
	if err := tx.Verify(); err != nil {
		return err
	}
	return l.machine.ApplyTx(tx)
}

func (l *Local) Machine() *state.Machine { return l.machine }

// Client implements ledger.Client against a devnet applier. Transactions
// are signed with the service key; wallet-level signing is out of scope.
type Client struct {
	applier Applier
	signKey ed25519.PrivateKey
}

func NewClient(applier Applier, signKey ed25519.PrivateKey) *Client {
	return &Client{applier: applier, signKey: signKey}
}

func (c *Client) CreateEscrowSession(ctx context.Context, sessionID uuid.UUID, shopperRef, expertRef string, amount uint64) (ledger.CreateResult, error) {
	payload, err := json.Marshal(protocol.SessionCreatePayload{
		SessionID:  sessionID.String(),
		ExpertRef:  expertRef,
		ShopperRef: shopperRef,
		Amount:     amount,
	})
	if err != nil {
		return ledger.CreateResult{}, err
	}
	tx, err := c.submit(ctx, sessionID, shopperRef, protocol.OpSessionCreate, payload)
	if err != nil {
		return ledger.CreateResult{}, err
	}
	return ledger.CreateResult{Signature: tx.TxID, Confirmed: true}, nil
}

func (c *Client) TransitionSession(ctx context.Context, sessionID uuid.UUID, t ledger.Transition, actorRef string) (ledger.TxResult, error) {
	var (
		op      protocol.Operation
		payload []byte
		err     error
	)
	switch t.Kind {
	case ledger.TransitionStart:
		op = protocol.OpSessionStart
		payload, err = json.Marshal(protocol.SessionStartPayload{SessionID: sessionID.String()})
	case ledger.TransitionEnd:
		op = protocol.OpSessionEnd
		payload, err = json.Marshal(protocol.SessionEndPayload{SessionID: sessionID.String()})
	case ledger.TransitionCancel:
		op = protocol.OpSessionCancel
		payload, err = json.Marshal(protocol.SessionCancelPayload{SessionID: sessionID.String(), RefundBps: t.RefundBps})
	default:
		return ledger.TxResult{}, fmt.Errorf("unsupported transition kind: %s", t.Kind)
	}
	if err != nil {
		return ledger.TxResult{}, err
	}
	tx, err := c.submit(ctx, sessionID, actorRef, op, payload)
	if err != nil {
		return ledger.TxResult{}, err
	}
	return ledger.TxResult{Signature: tx.TxID}, nil
}

func (c *Client) ReadSession(ctx context.Context, sessionID uuid.UUID) (*ledger.Session, error) {
	_ = ctx
	acct := c.applier.Machine().GetSession(sessionID.String())
	if acct == nil {
		return nil, ledger.ErrNotFound
	}
	return decodeAccount(acct)
}

// Faucet credits a devnet account. Development only; real ledgers fund
// accounts out of band.
func (c *Client) Faucet(ctx context.Context, accountRef string, amount uint64) error {
	payload, err := json.Marshal(protocol.FaucetPayload{AccountRef: accountRef, Amount: amount})
	if err != nil {
		return err
	}
	_, err = c.submit(ctx, uuid.Nil, accountRef, protocol.OpFaucet, payload)
	return err
}

func (c *Client) submit(ctx context.Context, sessionID uuid.UUID, actorRef string, op protocol.Operation, payload []byte) (protocol.Tx, error) {
	tx := protocol.Tx{
		Nonce:     uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Actor:     actorRef,
		Op:        op,
		Payload:   payload,
	}
	if sessionID != uuid.Nil {
		tx.SessionID = sessionID.String()
	}
	if err := tx.Sign(c.signKey); err != nil {
		return protocol.Tx{}, err
	}
	if err := c.applier.ApplyTx(ctx, tx); err != nil {
		return protocol.Tx{}, err
	}
	return tx, nil
}

func decodeAccount(acct *state.SessionAccount) (*ledger.Session, error) {
	id, err := uuid.Parse(acct.SessionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid session id %q: %w", acct.SessionID, err)
	}
	status, err := ledger.DecodeStatus(acct.Status)
	if err != nil {
		return nil, err
	}
	out := &ledger.Session{
		SessionID:  id,
		ExpertRef:  acct.Expert,
		ShopperRef: acct.Shopper,
		Amount:     acct.Amount,
		Status:     status,
		StartTime:  time.Unix(acct.StartTime, 0).UTC(),
	}
	if acct.ActualStartTime != nil {
		t := time.Unix(*acct.ActualStartTime, 0).UTC()
		out.ActualStartTime = &t
	}
	if acct.EndTime != nil {
		t := time.Unix(*acct.EndTime, 0).UTC()
		out.EndTime = &t
	}
	return out, nil
}

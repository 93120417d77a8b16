package devnet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/shopsage/sessiond/internal/domain/session"
	"github.com/shopsage/sessiond/internal/ledger"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewClient(NewLocal(), priv)
}

func TestClientLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	sessionID := uuid.New()

	if err := c.Faucet(ctx, "shopper-1", 10000); err != nil {
		t.Fatalf("faucet: %v", err)
	}

	created, err := c.CreateEscrowSession(ctx, sessionID, "shopper-1", "expert-1", 4000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Signature == "" || !created.Confirmed {
		t.Fatalf("unexpected create result: %+v", created)
	}

	onchain, err := c.ReadSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if onchain.Status != session.StatusPending {
		t.Fatalf("expected PENDING, got %s", onchain.Status)
	}
	if onchain.ExpertRef != "expert-1" || onchain.ShopperRef != "shopper-1" || onchain.Amount != 4000 {
		t.Fatalf("unexpected decoded session: %+v", onchain)
	}

	if _, err := c.TransitionSession(ctx, sessionID, ledger.Transition{Kind: ledger.TransitionStart}, "expert-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	onchain, _ = c.ReadSession(ctx, sessionID)
	if onchain.Status != session.StatusActive || onchain.ActualStartTime == nil {
		t.Fatalf("expected ACTIVE with start time, got %+v", onchain)
	}

	if _, err := c.TransitionSession(ctx, sessionID, ledger.Transition{Kind: ledger.TransitionCancel, RefundBps: 5000}, "shopper-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	onchain, _ = c.ReadSession(ctx, sessionID)
	if onchain.Status != session.StatusCancelled || onchain.EndTime == nil {
		t.Fatalf("expected CANCELLED with end time, got %+v", onchain)
	}
}

func TestClientReadUnknownSession(t *testing.T) {
	c := newTestClient(t)
	_, err := c.ReadSession(context.Background(), uuid.New())
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ledger.ErrNotFound, got %v", err)
	}
}

func TestClientRejectsUnknownTransitionKind(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.TransitionSession(context.Background(), uuid.New(), ledger.Transition{Kind: "PAUSE"}, "x"); err == nil {
		t.Fatal("expected error for unsupported transition kind")
	}
}

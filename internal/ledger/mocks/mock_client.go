package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/shopsage/sessiond/internal/ledger"
)

// MockClient is a mock implementation of ledger.Client
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateEscrowSession(ctx context.Context, sessionID uuid.UUID, shopperRef, expertRef string, amount uint64) (ledger.CreateResult, error) {
	args := m.Called(ctx, sessionID, shopperRef, expertRef, amount)
	return args.Get(0).(ledger.CreateResult), args.Error(1)
}

func (m *MockClient) TransitionSession(ctx context.Context, sessionID uuid.UUID, t ledger.Transition, actorRef string) (ledger.TxResult, error) {
	args := m.Called(ctx, sessionID, t, actorRef)
	return args.Get(0).(ledger.TxResult), args.Error(1)
}

func (m *MockClient) ReadSession(ctx context.Context, sessionID uuid.UUID) (*ledger.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Session), args.Error(1)
}

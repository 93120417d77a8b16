package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/shopsage/sessiond/internal/record"
)

// MockStore is a mock implementation of record.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Upsert(ctx context.Context, rec *record.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) Get(ctx context.Context, sessionID uuid.UUID) (*record.Record, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*record.Record), args.Error(1)
}

func (m *MockStore) ListForUser(ctx context.Context, userRef string) ([]*record.Record, error) {
	args := m.Called(ctx, userRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*record.Record), args.Error(1)
}

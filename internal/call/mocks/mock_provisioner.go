package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProvisioner is a mock implementation of call.Provisioner
type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) Provision(ctx context.Context, sessionID string, participantRefs []string) (string, error) {
	args := m.Called(ctx, sessionID, participantRefs)
	return args.String(0), args.Error(1)
}

func (m *MockProvisioner) Destroy(ctx context.Context, callID string) error {
	args := m.Called(ctx, callID)
	return args.Error(0)
}

package call

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryProvisioner is an in-process Provisioner for development and tests.
type MemoryProvisioner struct {
	mu        sync.Mutex
	bySession map[string]string
	destroyed map[string]bool
}

func NewMemoryProvisioner() *MemoryProvisioner {
	return &MemoryProvisioner{
		bySession: make(map[string]string),
		destroyed: make(map[string]bool),
	}
}

func (p *MemoryProvisioner) Provision(_ context.Context, sessionID string, _ []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if callID, ok := p.bySession[sessionID]; ok {
		return callID, nil
	}
	callID := "room-" + uuid.NewString()
	p.bySession[sessionID] = callID
	return callID, nil
}

func (p *MemoryProvisioner) Destroy(_ context.Context, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed[callID] = true
	return nil
}

// Destroyed reports whether a call id has been destroyed.
func (p *MemoryProvisioner) Destroyed(callID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed[callID]
}

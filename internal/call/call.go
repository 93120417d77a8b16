package call

import (
	"context"
)

// Provisioner allocates and destroys video-call rooms. Provision is
// idempotent per session id: repeated calls for the same id return the
// existing call id instead of allocating a duplicate.
type Provisioner interface {
	Provision(ctx context.Context, sessionID string, participantRefs []string) (string, error)
	Destroy(ctx context.Context, callID string) error
}

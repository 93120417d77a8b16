package ledger

import (
	"fmt"

	"github.com/shopsage/sessiond/internal/domain/session"
)

// DecodeStatus converts the ledger program's status encoding into the
// canonical status enum. This is the only place vendor status values are
// interpreted; unknown values are an error, never a fallback guess.
func DecodeStatus(raw string) (session.Status, error) {
	switch raw {
	case "pending":
		return session.StatusPending, nil
	case "active":
		return session.StatusActive, nil
	case "completed":
		return session.StatusCompleted, nil
	case "cancelled":
		return session.StatusCancelled, nil
	}
	return "", fmt.Errorf("ledger: unknown session status %q", raw)
}

// EncodeStatus is the inverse of DecodeStatus, used by the devnet program.
func EncodeStatus(st session.Status) string {
	switch st {
	case session.StatusPending:
		return "pending"
	case session.StatusActive:
		return "active"
	case session.StatusCompleted:
		return "completed"
	case session.StatusCancelled:
		return "cancelled"
	}
	return ""
}

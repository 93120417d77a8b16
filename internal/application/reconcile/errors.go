package reconcile

import "fmt"

// LedgerFailure is fatal: the ledger call failed after retries, the
// operation aborts and canonical state is not advanced.
type LedgerFailure struct {
	Op  string
	Err error
}

func (e *LedgerFailure) Error() string {
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *LedgerFailure) Unwrap() error { return e.Err }

// RecordMirrorFailure is recoverable: the off-chain mirror write failed.
// The owning operation still succeeds and the mirror is retried on later
// poll ticks.
type RecordMirrorFailure struct {
	Err error
}

func (e *RecordMirrorFailure) Error() string {
	return fmt.Sprintf("record mirror failed: %v", e.Err)
}

func (e *RecordMirrorFailure) Unwrap() error { return e.Err }

// CallProvisionFailure is recoverable: room allocation failed and the
// session proceeds without a call until a later retry succeeds.
type CallProvisionFailure struct {
	Err error
}

func (e *CallProvisionFailure) Error() string {
	return fmt.Sprintf("call provisioning failed: %v", e.Err)
}

func (e *CallProvisionFailure) Unwrap() error { return e.Err }

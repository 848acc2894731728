package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrLedgerUnavailable means the endpoint could not be reached after
	// bounded retries. It aborts the run.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrReadFailed means a single balance read failed after retries. The key
	// is skipped for this run and left unrecorded.
	ErrReadFailed = errors.New("balance read failed")

	// ErrConfirmationTimeout means the transaction was broadcast but did not
	// reach the required depth in time. Its outcome is unknown.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// RevertError is a rejection reported by the ledger, either during the
// pre-flight estimate or as a mined transaction with failed status.
type RevertError struct {
	Reason string
	TxHash string
}

func (e *RevertError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("transaction %s reverted: %s", e.TxHash, e.Reason)
	}
	return fmt.Sprintf("execution reverted: %s", e.Reason)
}

// AsRevert unwraps err into a *RevertError.
func AsRevert(err error) (*RevertError, bool) {
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert, true
	}
	return nil, false
}

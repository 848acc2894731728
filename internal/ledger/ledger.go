// Package ledger defines the boundary between the reconciliation engine and
// a chain: subject enumeration, balance reads, action submission and
// confirmation tracking.
package ledger

import (
	"context"
	"math/big"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
)

//go:generate mockgen -destination=mocks/mock_ledger.go -package=mocks . Client

// Client is implemented per chain. Reads may be retried internally;
// SubmitAction never is.
type Client interface {
	Chain() model.Chain

	// EnumerateSubjects returns the registry contents at call time.
	EnumerateSubjects(ctx context.Context) (*SubjectStream, error)

	// ReadBalance returns the subject's balance of resource. It never reports
	// zero in place of a failed read; failures are ErrReadFailed or
	// ErrLedgerUnavailable.
	ReadBalance(ctx context.Context, subject model.Subject, resource model.Resource) (*big.Int, error)

	// PrepareAction estimates and signs action without broadcasting it. A
	// rejection detectable before broadcast is returned as *RevertError.
	PrepareAction(ctx context.Context, action model.Action) (*SignedTx, error)

	// SubmitAction broadcasts a prepared transaction once. A node rejecting
	// it outright is reported as *RevertError.
	SubmitAction(ctx context.Context, tx *SignedTx) (TxHandle, error)

	// AwaitConfirmation blocks until the transaction reaches minConfirmations
	// or fails with *RevertError or ErrConfirmationTimeout.
	AwaitConfirmation(ctx context.Context, handle TxHandle, minConfirmations int) (*Receipt, error)

	// TransactionStatus looks up a previously broadcast transaction.
	TransactionStatus(ctx context.Context, txHash string) (TxStatus, *Receipt, error)
}

// TxHandle identifies a transaction by hash and sender nonce.
type TxHandle struct {
	Hash  string
	Nonce uint64
}

// SignedTx is a signed transaction that has not left the process. Its
// hash and nonce are final, so it can be journaled before broadcast.
type SignedTx struct {
	Handle TxHandle
	Method string
	Raw    []byte
}

type Receipt struct {
	TxHash        string
	BlockNumber   uint64
	Confirmations uint64
	Succeeded     bool
	// Reason is the decoded revert reason of a failed transaction.
	Reason string
}

type TxStatus string

const (
	TxMinedSuccess  TxStatus = "mined_success"
	TxMinedReverted TxStatus = "mined_reverted"
	TxPending       TxStatus = "pending"
	TxUnknown       TxStatus = "unknown"
)

package reconciliation

import (
	"fmt"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/alert"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
)

// RunResult summarizes one pass over a chain.
type RunResult struct {
	RunID   string        `json:"run_id"`
	Chain   model.Chain   `json:"chain"`
	Network model.Network `json:"network"`

	Subjects    int `json:"subjects"`
	NewSubjects int `json:"new_subjects"`
	Batches     int `json:"batches"`

	Completed  int `json:"completed"`
	Insolvent  int `json:"insolvent"`
	NoBalance  int `json:"no_balance"`
	Skipped    int `json:"skipped"`
	ReadFailed int `json:"read_failed"`
	Pending    int `json:"pending"`
	Submitted  int `json:"submitted"`

	Aborted bool   `json:"aborted"`
	Error   string `json:"error,omitempty"`

	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Cursor     model.BatchCursor `json:"cursor"`
}

func (r *RunResult) count(state model.ProgressState) {
	switch state {
	case model.ProgressCompleted:
		r.Completed++
	case model.ProgressInsolvent:
		r.Insolvent++
	case model.ProgressNoBalance:
		r.NoBalance++
	}
}

// Unresolved is the number of keys left for a later run.
func (r *RunResult) Unresolved() int {
	return r.ReadFailed + r.Pending
}

func (r *RunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *RunResult) LogAttrs() []any {
	return []any{
		"subjects", r.Subjects,
		"new_subjects", r.NewSubjects,
		"completed", r.Completed,
		"insolvent", r.Insolvent,
		"no_balance", r.NoBalance,
		"skipped", r.Skipped,
		"read_failed", r.ReadFailed,
		"pending", r.Pending,
		"duration", r.Duration().String(),
	}
}

// AlertCounts is the outcome summary carried by run alerts.
func (r *RunResult) AlertCounts() *alert.Counts {
	return &alert.Counts{
		Subjects:   r.Subjects,
		Completed:  r.Completed,
		Insolvent:  r.Insolvent,
		NoBalance:  r.NoBalance,
		ReadFailed: r.ReadFailed,
		Pending:    r.Pending,
	}
}

// FatalError aborts a run at a specific key. TxHash is set when a
// transaction may be in flight.
type FatalError struct {
	Key    model.ReconciliationKey
	TxHash string
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	msg := fmt.Sprintf("fatal outcome for %s", e.Key)
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

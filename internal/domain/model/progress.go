package model

import "time"

type ProgressState string

const (
	ProgressNoBalance ProgressState = "NO_BALANCE"
	ProgressInsolvent ProgressState = "INSOLVENT"
	ProgressCompleted ProgressState = "COMPLETED"
)

func (s ProgressState) String() string {
	return string(s)
}

// Terminal reports whether a record in this state is never revisited.
// NO_BALANCE ends the key for a run but may be re-evaluated later.
func (s ProgressState) Terminal() bool {
	return s == ProgressCompleted || s == ProgressInsolvent
}

func (s ProgressState) Valid() bool {
	switch s {
	case ProgressNoBalance, ProgressInsolvent, ProgressCompleted:
		return true
	}
	return false
}

// ProgressRecord is the durable outcome stored for a key.
type ProgressRecord struct {
	Key         ReconciliationKey `json:"-"`
	State       ProgressState     `json:"state"`
	TxHash      string            `json:"txHash,omitempty"`
	BlockNumber uint64            `json:"blockNumber,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	RecordedAt  time.Time         `json:"recordedAt"`
}

// OutcomeMeta carries the optional details of a recorded outcome.
type OutcomeMeta struct {
	TxHash      string
	BlockNumber uint64
	Reason      string
	RecordedAt  time.Time
}

// PendingIntent is journaled after a transaction is broadcast and before its
// confirmation is known, so a restarted run can look the transaction up
// instead of resubmitting.
type PendingIntent struct {
	Key         ReconciliationKey `json:"-"`
	TxHash      string            `json:"txHash"`
	Nonce       uint64            `json:"nonce"`
	SubmittedAt time.Time         `json:"submittedAt"`
}

// BatchCursor is advisory; resumption relies on recorded outcomes, not on it.
type BatchCursor struct {
	Chain        Chain `json:"chain"`
	Batch        int   `json:"batch"`
	Batches      int   `json:"batches"`
	SubjectIndex int   `json:"subjectIndex"`
}

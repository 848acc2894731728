// Package progress defines the durable record of reconciliation outcomes.
//
// Every backend is write-through: when RecordOutcome, RecordIntent or
// ClearIntent returns nil the change is on stable storage.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/metrics"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("progress store closed")

type Store interface {
	// Get returns the record for key, or nil when the key is unseen.
	Get(ctx context.Context, key model.ReconciliationKey) (*model.ProgressRecord, error)

	// IsResolved reports whether key needs no evaluation in this run:
	// COMPLETED and INSOLVENT always, NO_BALANCE only when recorded at or
	// after noBalanceSince.
	IsResolved(ctx context.Context, key model.ReconciliationKey, noBalanceSince time.Time) (bool, error)

	// RecordOutcome upserts the outcome for key. It is a no-op returning
	// false when a terminal record already exists.
	RecordOutcome(ctx context.Context, key model.ReconciliationKey, state model.ProgressState, meta model.OutcomeMeta) (bool, error)

	RecordIntent(ctx context.Context, intent model.PendingIntent) error
	// PendingIntent returns the journaled intent for key, or nil.
	PendingIntent(ctx context.Context, key model.ReconciliationKey) (*model.PendingIntent, error)
	ClearIntent(ctx context.Context, key model.ReconciliationKey) error

	// ObserveSubjects adds subjects to the chain's known set and returns how
	// many were new. The set never shrinks.
	ObserveSubjects(ctx context.Context, chain model.Chain, subjects []model.Subject) (int, error)
	Subjects(ctx context.Context, chain model.Chain) ([]model.Subject, error)

	Summary(ctx context.Context) (Summary, error)
	Close() error
}

// Summary is a point-in-time view of the store's contents.
type Summary struct {
	Completed      int                 `json:"completed"`
	Insolvent      int                 `json:"insolvent"`
	NoBalance      int                 `json:"noBalance"`
	PendingIntents int                 `json:"pendingIntents"`
	Subjects       map[model.Chain]int `json:"subjects"`
	LastWrite      *time.Time          `json:"lastWrite,omitempty"`
}

// Resolved applies the IsResolved rule to a fetched record.
func Resolved(rec *model.ProgressRecord, noBalanceSince time.Time) bool {
	if rec == nil {
		return false
	}
	if rec.State.Terminal() {
		return true
	}
	return rec.State == model.ProgressNoBalance && !rec.RecordedAt.Before(noBalanceSince)
}

// Merge computes the record that results from recording state over
// existing. It reports false when existing is terminal and must be kept.
func Merge(existing *model.ProgressRecord, key model.ReconciliationKey, state model.ProgressState, meta model.OutcomeMeta) (*model.ProgressRecord, bool, error) {
	if !state.Valid() {
		return nil, false, fmt.Errorf("invalid progress state %q", state)
	}
	if existing != nil && existing.State.Terminal() {
		return existing, false, nil
	}
	recordedAt := meta.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	return &model.ProgressRecord{
		Key:         key,
		State:       state,
		TxHash:      meta.TxHash,
		BlockNumber: meta.BlockNumber,
		Reason:      meta.Reason,
		RecordedAt:  recordedAt.UTC(),
	}, true, nil
}

// ObserveWrite records a durable write for the backend's metrics.
func ObserveWrite(backend, op string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ProgressWritesTotal.WithLabelValues(backend, op, result).Inc()
	metrics.ProgressWriteLatency.WithLabelValues(backend).Observe(time.Since(started).Seconds())
}

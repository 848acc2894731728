// Package progresstest holds the behavior every progress.Store backend must
// satisfy. Backends call Run from their own tests.
package progresstest

import (
	"context"
	"testing"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a store. Calling it again with the same dir must reopen the
// same durable state.
type Factory func(t *testing.T, dir string) progress.Store

var (
	keyA1 = model.ReconciliationKey{Chain: model.ChainArbitrum, Subject: "0xA1", Resource: "0xR1"}
	keyA2 = model.ReconciliationKey{Chain: model.ChainArbitrum, Subject: "0xA2", Resource: "0xR1"}
	keyA3 = model.ReconciliationKey{Chain: model.ChainArbitrum, Subject: "0xA3", Resource: "0xR2"}
	keyB1 = model.ReconciliationKey{Chain: model.ChainAvalanche, Subject: "0xB1", Resource: "0xR9"}

	baseTime = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
)

func Run(t *testing.T, open Factory) {
	t.Run("UnseenKey", func(t *testing.T) { testUnseenKey(t, open) })
	t.Run("TerminalRecordIsNoOp", func(t *testing.T) { testTerminalNoOp(t, open) })
	t.Run("NoBalanceWindow", func(t *testing.T) { testNoBalanceWindow(t, open) })
	t.Run("SurvivesReopen", func(t *testing.T) { testReopen(t, open) })
	t.Run("ReplayIsStable", func(t *testing.T) { testReplay(t, open) })
	t.Run("Intents", func(t *testing.T) { testIntents(t, open) })
	t.Run("SubjectsGrowMonotonically", func(t *testing.T) { testSubjects(t, open) })
	t.Run("Summary", func(t *testing.T) { testSummary(t, open) })
}

func testUnseenKey(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, t.TempDir())

	rec, err := s.Get(ctx, keyA1)
	require.NoError(t, err)
	assert.Nil(t, rec)

	resolved, err := s.IsResolved(ctx, keyA1, time.Time{})
	require.NoError(t, err)
	assert.False(t, resolved)
}

func testTerminalNoOp(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, t.TempDir())

	applied, err := s.RecordOutcome(ctx, keyA2, model.ProgressCompleted, model.OutcomeMeta{
		TxHash: "0xdeadbeef", BlockNumber: 42, RecordedAt: baseTime,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.RecordOutcome(ctx, keyA2, model.ProgressInsolvent, model.OutcomeMeta{
		Reason: "late duplicate", RecordedAt: baseTime.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.RecordOutcome(ctx, keyA2, model.ProgressNoBalance, model.OutcomeMeta{RecordedAt: baseTime.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := s.Get(ctx, keyA2)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressCompleted, rec.State)
	assert.Equal(t, "0xdeadbeef", rec.TxHash)
	assert.Equal(t, uint64(42), rec.BlockNumber)
	assert.Equal(t, keyA2, rec.Key)

	resolved, err := s.IsResolved(ctx, keyA2, baseTime.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, resolved)
}

func testNoBalanceWindow(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, t.TempDir())

	_, err := s.RecordOutcome(ctx, keyA1, model.ProgressNoBalance, model.OutcomeMeta{RecordedAt: baseTime})
	require.NoError(t, err)

	resolved, err := s.IsResolved(ctx, keyA1, baseTime.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, resolved, "recorded inside the window")

	resolved, err = s.IsResolved(ctx, keyA1, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, resolved, "recorded before the window")

	applied, err := s.RecordOutcome(ctx, keyA1, model.ProgressNoBalance, model.OutcomeMeta{RecordedAt: baseTime.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.True(t, applied, "no-balance is refreshed")

	applied, err = s.RecordOutcome(ctx, keyA1, model.ProgressCompleted, model.OutcomeMeta{TxHash: "0x01", RecordedAt: baseTime.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.True(t, applied, "no-balance is superseded")

	rec, err := s.Get(ctx, keyA1)
	require.NoError(t, err)
	assert.Equal(t, model.ProgressCompleted, rec.State)
}

func testReopen(t *testing.T, open Factory) {
	ctx := context.Background()
	dir := t.TempDir()

	s := open(t, dir)
	_, err := s.RecordOutcome(ctx, keyA2, model.ProgressCompleted, model.OutcomeMeta{TxHash: "0xdeadbeef", BlockNumber: 9, RecordedAt: baseTime})
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, keyA3, model.ProgressInsolvent, model.OutcomeMeta{Reason: "insolvent", RecordedAt: baseTime})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = open(t, dir)
	rec, err := s.Get(ctx, keyA2)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressCompleted, rec.State)
	assert.Equal(t, "0xdeadbeef", rec.TxHash)
	assert.True(t, rec.RecordedAt.Equal(baseTime))

	rec, err = s.Get(ctx, keyA3)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressInsolvent, rec.State)
	assert.Equal(t, "insolvent", rec.Reason)
}

type recordCall struct {
	key   model.ReconciliationKey
	state model.ProgressState
	meta  model.OutcomeMeta
}

func testReplay(t *testing.T, open Factory) {
	ctx := context.Background()
	calls := []recordCall{
		{keyA1, model.ProgressNoBalance, model.OutcomeMeta{RecordedAt: baseTime}},
		{keyA2, model.ProgressCompleted, model.OutcomeMeta{TxHash: "0xdeadbeef", BlockNumber: 3, RecordedAt: baseTime}},
		{keyA3, model.ProgressInsolvent, model.OutcomeMeta{Reason: "r", RecordedAt: baseTime}},
		{keyB1, model.ProgressCompleted, model.OutcomeMeta{TxHash: "0xbeef", BlockNumber: 5, RecordedAt: baseTime}},
	}
	apply := func(s progress.Store, upTo int) {
		for _, c := range calls[:upTo] {
			_, err := s.RecordOutcome(ctx, c.key, c.state, c.meta)
			require.NoError(t, err)
		}
	}

	dir := t.TempDir()
	s := open(t, dir)
	apply(s, 3)
	require.NoError(t, s.Close())

	// Resume and replay everything, including the already recorded prefix.
	s = open(t, dir)
	apply(s, len(calls))
	resumed := snapshot(t, s)

	oracle := open(t, t.TempDir())
	apply(oracle, len(calls))

	assert.Equal(t, snapshot(t, oracle), resumed)
}

func snapshot(t *testing.T, s progress.Store) map[string]model.ProgressRecord {
	t.Helper()
	out := make(map[string]model.ProgressRecord)
	for _, key := range []model.ReconciliationKey{keyA1, keyA2, keyA3, keyB1} {
		rec, err := s.Get(context.Background(), key)
		require.NoError(t, err)
		if rec != nil {
			r := *rec
			r.RecordedAt = r.RecordedAt.UTC()
			out[key.String()] = r
		}
	}
	return out
}

func testIntents(t *testing.T, open Factory) {
	ctx := context.Background()
	dir := t.TempDir()
	s := open(t, dir)

	intent, err := s.PendingIntent(ctx, keyA2)
	require.NoError(t, err)
	assert.Nil(t, intent)

	require.NoError(t, s.RecordIntent(ctx, model.PendingIntent{
		Key: keyA2, TxHash: "0xdeadbeef", Nonce: 17, SubmittedAt: baseTime,
	}))
	require.NoError(t, s.Close())

	s = open(t, dir)
	intent, err = s.PendingIntent(ctx, keyA2)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, keyA2, intent.Key)
	assert.Equal(t, "0xdeadbeef", intent.TxHash)
	assert.Equal(t, uint64(17), intent.Nonce)
	assert.True(t, intent.SubmittedAt.Equal(baseTime))

	summary, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PendingIntents)

	require.NoError(t, s.ClearIntent(ctx, keyA2))
	require.NoError(t, s.ClearIntent(ctx, keyA2), "clearing twice is harmless")

	intent, err = s.PendingIntent(ctx, keyA2)
	require.NoError(t, err)
	assert.Nil(t, intent)
}

func testSubjects(t *testing.T, open Factory) {
	ctx := context.Background()
	dir := t.TempDir()
	s := open(t, dir)

	added, err := s.ObserveSubjects(ctx, model.ChainArbitrum, []model.Subject{"0xA1", "0xA2"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	require.NoError(t, s.Close())

	s = open(t, dir)
	// A later enumeration that misses 0xA1 never removes it.
	added, err = s.ObserveSubjects(ctx, model.ChainArbitrum, []model.Subject{"0xA2", "0xA3", "0xA3"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	subjects, err := s.Subjects(ctx, model.ChainArbitrum)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Subject{"0xA1", "0xA2", "0xA3"}, subjects)

	other, err := s.Subjects(ctx, model.ChainAvalanche)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testSummary(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, t.TempDir())

	_, err := s.RecordOutcome(ctx, keyA1, model.ProgressNoBalance, model.OutcomeMeta{RecordedAt: baseTime})
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, keyA2, model.ProgressCompleted, model.OutcomeMeta{TxHash: "0x1", RecordedAt: baseTime})
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, keyB1, model.ProgressCompleted, model.OutcomeMeta{TxHash: "0x2", RecordedAt: baseTime})
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, keyA3, model.ProgressInsolvent, model.OutcomeMeta{RecordedAt: baseTime})
	require.NoError(t, err)
	_, err = s.ObserveSubjects(ctx, model.ChainAvalanche, []model.Subject{"0xB1"})
	require.NoError(t, err)

	summary, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Insolvent)
	assert.Equal(t, 1, summary.NoBalance)
	assert.Equal(t, 0, summary.PendingIntents)
	assert.Equal(t, 1, summary.Subjects[model.ChainAvalanche])
	require.NotNil(t, summary.LastWrite)
}

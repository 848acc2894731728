package reconciliation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_InvalidSpec(t *testing.T) {
	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	_, err := NewScheduler(context.Background(), e, nil, "not a cron spec", testLogger())
	require.Error(t, err)
}

func TestScheduler_RunNow(t *testing.T) {
	l := newFakeLedger("0xA1")
	l.setBalance("0xA1", r1, 3)
	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	s, err := NewScheduler(context.Background(), e, []Target{testTarget(l, r1)}, "", testLogger())
	require.NoError(t, err)

	results, err := s.RunNow()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Completed)

	last, at, lastErr := s.Last()
	assert.NoError(t, lastErr)
	assert.Len(t, last, 1)
	assert.False(t, at.IsZero())
	assert.False(t, s.Running())
}

func TestScheduler_TriggerRejectsOverlap(t *testing.T) {
	l := newFakeLedger("0xA1", "0xA2")
	l.readDelay = 50 * time.Millisecond
	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	s, err := NewScheduler(context.Background(), e, []Target{testTarget(l, r1)}, "@every 1h", testLogger())
	require.NoError(t, err)
	s.Start()

	id, err := s.Trigger()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.Trigger()
	assert.ErrorIs(t, err, ErrRunActive)
	_, err = s.RunNow()
	assert.ErrorIs(t, err, ErrRunActive)

	s.Stop()
	assert.False(t, s.Running())

	last, _, lastErr := s.Last()
	require.NoError(t, lastErr)
	require.Len(t, last, 1)
	assert.Equal(t, model.ChainArbitrum, last[0].Chain)
	assert.Equal(t, 2, last[0].NoBalance)
}

func TestScheduler_HaltsOnFatalOutcome(t *testing.T) {
	l := newFakeLedger("0xA4")
	l.setBalance("0xA4", r1, 7)
	l.reverts[fid("0xA4", r1.Address)] = "execution reverted: oracle stale"
	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	s, err := NewScheduler(context.Background(), e, []Target{testTarget(l, r1)}, "", testLogger())
	require.NoError(t, err)

	_, err = s.RunNow()
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)

	select {
	case got := <-s.Fatal():
		assert.ErrorAs(t, got, &fatal)
	default:
		t.Fatal("fatal outcome was not delivered")
	}

	_, err = s.Trigger()
	assert.ErrorIs(t, err, ErrHalted)
	_, err = s.RunNow()
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, 1, l.submitCount("0xA4", r1))
}

func TestScheduler_TransientAbortDoesNotHalt(t *testing.T) {
	l := newFakeLedger("0xA1")
	l.readErrs[fid("0xA1", r1.Address)] = fmt.Errorf("%w: connection refused", ledger.ErrLedgerUnavailable)
	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	s, err := NewScheduler(context.Background(), e, []Target{testTarget(l, r1)}, "", testLogger())
	require.NoError(t, err)

	_, err = s.RunNow()
	require.ErrorIs(t, err, ledger.ErrLedgerUnavailable)

	delete(l.readErrs, fid("0xA1", r1.Address))
	_, err = s.RunNow()
	require.NoError(t, err)
	assert.Empty(t, s.Fatal())
}

package jsonfile

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress/progresstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConformance(t *testing.T) {
	progresstest.Run(t, func(t *testing.T, dir string) progress.Store {
		s, err := Open(filepath.Join(dir, "sweep-progress.json"), discardLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen_LegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep-progress.json")
	legacy := `{
  "processed": ["Arbitrum-0xA2-0xR1"],
  "noBalance": ["Arbitrum-0xA1-0xR1", "Arbitrum-0xA2-0xR1"],
  "insolvent": ["Avalanche-0xB3-0xR2"],
  "lastRun": "2024-03-01T08:00:00.000Z"
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s, err := Open(path, discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := s.Get(ctx, model.ReconciliationKey{Chain: model.ChainArbitrum, Subject: "0xA2", Resource: "0xR1"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressCompleted, rec.State, "terminal list wins over noBalance")

	rec, err = s.Get(ctx, model.ReconciliationKey{Chain: model.ChainAvalanche, Subject: "0xB3", Resource: "0xR2"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressInsolvent, rec.State)

	// A legacy no-balance entry has no recording time and is re-checked.
	resolved, err := s.IsResolved(ctx, model.ReconciliationKey{Chain: model.ChainArbitrum, Subject: "0xA1", Resource: "0xR1"}, time.Unix(0, 0))
	require.NoError(t, err)
	assert.False(t, resolved)

	summary, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Insolvent)
	assert.Equal(t, 1, summary.NoBalance)
	require.NotNil(t, summary.LastWrite)
	assert.Equal(t, 2024, summary.LastWrite.Year())
}

func TestOpen_CorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep-progress.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"processed": [`), 0o644))

	_, err := Open(path, discardLogger())
	require.Error(t, err)
}

func TestOpen_InvalidKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep-progress.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"processed": ["not-a-valid-key-here"]}`), 0o644))

	_, err := Open(path, discardLogger())
	require.Error(t, err)
}

func TestRecordOutcome_WritesFlatLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sweep-progress.json")
	s, err := Open(path, discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	key := model.ReconciliationKey{Chain: model.ChainArbitrum, Subject: "0xA2", Resource: "0xR1"}
	_, err = s.RecordOutcome(ctx, key, model.ProgressCompleted, model.OutcomeMeta{TxHash: "0xdeadbeef", BlockNumber: 12})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.JSONEq(t, `["Arbitrum-0xA2-0xR1"]`, string(doc["processed"]))
	assert.JSONEq(t, `[]`, string(doc["noBalance"]))
	assert.JSONEq(t, `[]`, string(doc["insolvent"]))
	assert.Contains(t, doc, "lastRun")

	var records map[string]model.ProgressRecord
	require.NoError(t, json.Unmarshal(doc["records"], &records))
	assert.Equal(t, "0xdeadbeef", records["Arbitrum-0xA2-0xR1"].TxHash)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestRecordOutcome_FailedWriteRollsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sweep-progress.json")
	s, err := Open(path, discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	// Make the target a directory so the rename fails.
	require.NoError(t, os.Mkdir(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "x"), nil, 0o644))

	key := model.ReconciliationKey{Chain: model.ChainArbitrum, Subject: "0xA2", Resource: "0xR1"}
	applied, err := s.RecordOutcome(ctx, key, model.ProgressCompleted, model.OutcomeMeta{TxHash: "0x1"})
	require.Error(t, err)
	assert.False(t, applied)

	rec, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "p.json"), discardLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), model.ReconciliationKey{Chain: model.ChainArbitrum, Subject: "0x1", Resource: "0x2"})
	assert.ErrorIs(t, err, progress.ErrClosed)
}

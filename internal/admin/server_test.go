package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/reconciliation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type fakeRuns struct {
	triggerID  string
	triggerErr error
	running    bool
	last       []*reconciliation.RunResult
	lastAt     time.Time
	lastErr    error
	triggered  int
}

func (f *fakeRuns) Trigger() (string, error) {
	f.triggered++
	return f.triggerID, f.triggerErr
}

func (f *fakeRuns) Running() bool { return f.running }

func (f *fakeRuns) Last() ([]*reconciliation.RunResult, time.Time, error) {
	return f.last, f.lastAt, f.lastErr
}

type fakeProgress struct {
	records map[string]*model.ProgressRecord
	intents map[string]*model.PendingIntent
	summary progress.Summary
	err     error
}

func (f *fakeProgress) Get(_ context.Context, key model.ReconciliationKey) (*model.ProgressRecord, error) {
	return f.records[key.String()], f.err
}

func (f *fakeProgress) PendingIntent(_ context.Context, key model.ReconciliationKey) (*model.PendingIntent, error) {
	return f.intents[key.String()], f.err
}

func (f *fakeProgress) Summary(context.Context) (progress.Summary, error) {
	return f.summary, f.err
}

type fakeHealth []reconciliation.HealthSnapshot

func (f fakeHealth) Snapshots() []reconciliation.HealthSnapshot { return f }

// --- Helpers ---

var recordedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(runs RunController, store ProgressReader, opts ...ServerOption) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chains := []model.Chain{model.ChainArbitrum, model.ChainAvalanche}
	return NewServer(runs, store, chains, logger, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// --- Tests: Reconcile ---

func TestHandleReconcile_Accepted(t *testing.T) {
	runs := &fakeRuns{triggerID: "20250301T120000Z"}
	h := newTestServer(runs, &fakeProgress{})

	rec := do(t, h, http.MethodPost, "/admin/v1/reconcile")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "20250301T120000Z", body["trigger"])
	assert.Equal(t, 1, runs.triggered)
}

func TestHandleReconcile_ConflictWhileRunning(t *testing.T) {
	runs := &fakeRuns{triggerErr: reconciliation.ErrRunActive}
	rec := do(t, newTestServer(runs, &fakeProgress{}), http.MethodPost, "/admin/v1/reconcile")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleReconcile_ConflictWhenHalted(t *testing.T) {
	runs := &fakeRuns{triggerErr: reconciliation.ErrHalted}
	rec := do(t, newTestServer(runs, &fakeProgress{}), http.MethodPost, "/admin/v1/reconcile")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "halted")
}

func TestHandleReconcile_MethodNotAllowed(t *testing.T) {
	rec := do(t, newTestServer(&fakeRuns{}, &fakeProgress{}), http.MethodGet, "/admin/v1/reconcile")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleReconcile_NoScheduler(t *testing.T) {
	rec := do(t, newTestServer(nil, &fakeProgress{}), http.MethodPost, "/admin/v1/reconcile")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// --- Tests: Status ---

func TestHandleGetStatus(t *testing.T) {
	runs := &fakeRuns{
		running: true,
		last: []*reconciliation.RunResult{
			{RunID: "run-1", Chain: model.ChainArbitrum, Completed: 3, NoBalance: 2},
		},
		lastAt:  recordedAt,
		lastErr: errors.New("Avalanche: abort threshold reached"),
	}
	rec := do(t, newTestServer(runs, &fakeProgress{}), http.MethodGet, "/admin/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	decode(t, rec, &body)
	assert.True(t, body.Running)
	require.NotNil(t, body.LastRunAt)
	assert.True(t, recordedAt.Equal(*body.LastRunAt))
	assert.Equal(t, "Avalanche: abort threshold reached", body.LastError)
	require.Len(t, body.LastRuns, 1)
	assert.Equal(t, 3, body.LastRuns[0].Completed)
}

func TestHandleGetStatus_NeverRun(t *testing.T) {
	rec := do(t, newTestServer(&fakeRuns{}, &fakeProgress{}), http.MethodGet, "/admin/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":false,"last_runs":[]}`, rec.Body.String())
}

// --- Tests: Health ---

func TestHandleHealth(t *testing.T) {
	health := fakeHealth{{Chain: "Arbitrum", Status: string(reconciliation.HealthStatusHealthy)}}
	rec := do(t, newTestServer(&fakeRuns{}, &fakeProgress{}, WithHealthProvider(health)), http.MethodGet, "/admin/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []reconciliation.HealthSnapshot
	decode(t, rec, &body)
	require.Len(t, body, 1)
	assert.Equal(t, "HEALTHY", body[0].Status)
}

func TestHandleHealth_NoProvider(t *testing.T) {
	rec := do(t, newTestServer(&fakeRuns{}, &fakeProgress{}), http.MethodGet, "/admin/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// --- Tests: Progress ---

func TestHandleGetProgress(t *testing.T) {
	key := "Arbitrum-0xabc-0x1234"
	store := &fakeProgress{
		records: map[string]*model.ProgressRecord{
			key: {State: model.ProgressCompleted, TxHash: "0xfeed", BlockNumber: 42, RecordedAt: recordedAt},
		},
	}
	rec := do(t, newTestServer(&fakeRuns{}, store), http.MethodGet, "/admin/v1/progress?key="+key)
	require.Equal(t, http.StatusOK, rec.Code)

	var body progressResponse
	decode(t, rec, &body)
	assert.Equal(t, key, body.Key)
	require.NotNil(t, body.Record)
	assert.Equal(t, model.ProgressCompleted, body.Record.State)
	assert.Equal(t, uint64(42), body.Record.BlockNumber)
	assert.Nil(t, body.PendingIntent)
}

func TestHandleGetProgress_PendingIntentOnly(t *testing.T) {
	key := "Avalanche-0xabc-0x1234"
	store := &fakeProgress{
		intents: map[string]*model.PendingIntent{
			key: {TxHash: "0xbeef", Nonce: 7, SubmittedAt: recordedAt},
		},
	}
	rec := do(t, newTestServer(&fakeRuns{}, store), http.MethodGet, "/admin/v1/progress?key="+key)
	require.Equal(t, http.StatusOK, rec.Code)

	var body progressResponse
	decode(t, rec, &body)
	assert.Nil(t, body.Record)
	require.NotNil(t, body.PendingIntent)
	assert.Equal(t, uint64(7), body.PendingIntent.Nonce)
}

func TestHandleGetProgress_BadRequests(t *testing.T) {
	h := newTestServer(&fakeRuns{}, &fakeProgress{})
	tests := []struct {
		name   string
		target string
	}{
		{"missing key", "/admin/v1/progress"},
		{"malformed key", "/admin/v1/progress?key=Arbitrum-0xabc"},
		{"unknown chain", "/admin/v1/progress?key=Solana-0xabc-0x1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, tt.target).Code)
		})
	}
}

func TestHandleGetProgress_NotFound(t *testing.T) {
	rec := do(t, newTestServer(&fakeRuns{}, &fakeProgress{}), http.MethodGet, "/admin/v1/progress?key=Arbitrum-0xabc-0x1234")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetProgress_StoreError(t *testing.T) {
	store := &fakeProgress{err: progress.ErrClosed}
	rec := do(t, newTestServer(&fakeRuns{}, store), http.MethodGet, "/admin/v1/progress?key=Arbitrum-0xabc-0x1234")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "closed")
}

func TestHandleProgressSummary(t *testing.T) {
	store := &fakeProgress{summary: progress.Summary{
		Completed: 4,
		NoBalance: 9,
		Subjects:  map[model.Chain]int{model.ChainArbitrum: 13},
	}}
	rec := do(t, newTestServer(&fakeRuns{}, store), http.MethodGet, "/admin/v1/progress/summary")
	require.Equal(t, http.StatusOK, rec.Code)

	var body progress.Summary
	decode(t, rec, &body)
	assert.Equal(t, 4, body.Completed)
	assert.Equal(t, 13, body.Subjects[model.ChainArbitrum])
}

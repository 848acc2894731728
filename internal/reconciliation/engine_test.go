package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/alert"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/executor"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ledger"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/lock"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress/jsonfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	r1 = model.Resource{Name: "R1", Address: "0xR1"}
	r2 = model.Resource{Name: "R2", Address: "0xR2"}
)

// ---------------------------------------------------------------------------
// Fake ledger
// ---------------------------------------------------------------------------

type fakeTx struct {
	id     string
	status ledger.TxStatus
	reason string
	block  uint64
}

// fakeLedger is a small in-memory chain. A successful action zeroes the
// balance it swept. submits counts broadcasts only.
type fakeLedger struct {
	mu       sync.Mutex
	chain    model.Chain
	subjects []model.Subject
	balances map[string]*big.Int
	readErrs map[string]error
	// preflight reverts are reported by PrepareAction, mined reverts by
	// AwaitConfirmation.
	preflight map[string]string
	reverts   map[string]string
	// stuck transactions stay pending until mine is called.
	stuck    map[string]bool
	hashes   map[string]string
	submits  map[string]int
	txs      map[string]*fakeTx
	nonce    uint64
	onSubmit func(id string)

	reading    int
	maxReading int
	readDelay  time.Duration
}

func newFakeLedger(subjects ...model.Subject) *fakeLedger {
	return &fakeLedger{
		chain:     model.ChainArbitrum,
		subjects:  subjects,
		balances:  make(map[string]*big.Int),
		readErrs:  make(map[string]error),
		preflight: make(map[string]string),
		reverts:   make(map[string]string),
		stuck:     make(map[string]bool),
		hashes:    make(map[string]string),
		submits:   make(map[string]int),
		txs:       make(map[string]*fakeTx),
	}
}

func fid(subject model.Subject, resource string) string {
	return string(subject) + "|" + resource
}

func (f *fakeLedger) setBalance(subject model.Subject, res model.Resource, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[fid(subject, res.Address)] = big.NewInt(v)
}

func (f *fakeLedger) submitCount(subject model.Subject, res model.Resource) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[fid(subject, res.Address)]
}

func (f *fakeLedger) totalSubmits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.submits {
		n += c
	}
	return n
}

// mine settles a stuck transaction successfully.
func (f *fakeLedger) mine(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.txs[hash]
	tx.status = ledger.TxMinedSuccess
	tx.block = 900
	f.balances[tx.id] = big.NewInt(0)
}

func (f *fakeLedger) Chain() model.Chain { return f.chain }

func (f *fakeLedger) EnumerateSubjects(context.Context) (*ledger.SubjectStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ledger.NewSubjectStream(f.subjects), nil
}

func (f *fakeLedger) ReadBalance(ctx context.Context, subject model.Subject, resource model.Resource) (*big.Int, error) {
	f.mu.Lock()
	f.reading++
	if f.reading > f.maxReading {
		f.maxReading = f.reading
	}
	delay := f.readDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reading--
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := fid(subject, resource.Address)
	if err := f.readErrs[id]; err != nil {
		return nil, err
	}
	if b, ok := f.balances[id]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeLedger) PrepareAction(_ context.Context, action model.Action) (*ledger.SignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fid(model.Subject(action.Target), string(action.Calldata))
	if reason, ok := f.preflight[id]; ok {
		return nil, &ledger.RevertError{Reason: reason}
	}
	f.nonce++
	hash, ok := f.hashes[id]
	if !ok {
		hash = "0xtx-" + id
	}
	return &ledger.SignedTx{
		Handle: ledger.TxHandle{Hash: hash, Nonce: f.nonce},
		Method: action.Method,
		Raw:    []byte(id),
	}, nil
}

func (f *fakeLedger) SubmitAction(ctx context.Context, signed *ledger.SignedTx) (ledger.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return ledger.TxHandle{}, err
	}
	f.mu.Lock()
	id := string(signed.Raw)
	f.submits[id]++
	tx := &fakeTx{id: id, block: 100 + signed.Handle.Nonce}
	switch {
	case f.stuck[id]:
		tx.status = ledger.TxPending
	case f.reverts[id] != "":
		tx.status = ledger.TxMinedReverted
		tx.reason = f.reverts[id]
	default:
		tx.status = ledger.TxMinedSuccess
		f.balances[id] = big.NewInt(0)
	}
	f.txs[signed.Handle.Hash] = tx
	hook := f.onSubmit
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return signed.Handle, nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, handle ledger.TxHandle, minConfirmations int) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.txs[handle.Hash]
	switch tx.status {
	case ledger.TxPending:
		return nil, ledger.ErrConfirmationTimeout
	case ledger.TxMinedReverted:
		return nil, &ledger.RevertError{Reason: tx.reason, TxHash: handle.Hash}
	}
	return &ledger.Receipt{
		TxHash:        handle.Hash,
		BlockNumber:   tx.block,
		Confirmations: uint64(minConfirmations),
		Succeeded:     true,
	}, nil
}

func (f *fakeLedger) TransactionStatus(_ context.Context, hash string) (ledger.TxStatus, *ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return ledger.TxUnknown, nil, nil
	}
	if tx.status == ledger.TxPending {
		return ledger.TxPending, nil, nil
	}
	return tx.status, &ledger.Receipt{
		TxHash:        hash,
		BlockNumber:   tx.block,
		Confirmations: 5,
		Succeeded:     tx.status == ledger.TxMinedSuccess,
		Reason:        tx.reason,
	}, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testAction(subject model.Subject, resource model.Resource) (model.Action, error) {
	return model.Action{Target: string(subject), Calldata: []byte(resource.Address), Method: "sweep"}, nil
}

func testTarget(l *fakeLedger, resources ...model.Resource) Target {
	if len(resources) == 0 {
		resources = []model.Resource{r1, r2}
	}
	return Target{
		Chain:       l.chain,
		Network:     model.NetworkMainnet,
		Ledger:      l,
		Resources:   resources,
		BuildAction: testAction,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRejections(t *testing.T) *executor.RejectionSet {
	t.Helper()
	set, err := executor.NewRejectionSet([]executor.RejectionRule{
		{Name: "insolvent", Contains: "would become insolvent"},
	})
	require.NoError(t, err)
	return set
}

func openStore(t *testing.T, dir string) progress.Store {
	t.Helper()
	s, err := jsonfile.Open(filepath.Join(dir, "progress.json"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stepClock advances by one second per reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engineOpt func(*Config)

func newTestEngine(t *testing.T, store progress.Store, opts ...engineOpt) (*Engine, *stepClock, *[]time.Duration) {
	t.Helper()
	cfg := Config{
		BatchSize:        2,
		ReadConcurrency:  4,
		ActionDelay:      2 * time.Second,
		MinConfirmations: 1,
		Rejections:       testRejections(t),
	}
	for _, o := range opts {
		o(&cfg)
	}
	e := NewEngine(store, cfg, nil, testLogger())
	clock := newStepClock()
	e.now = clock.Now
	var mu sync.Mutex
	sleeps := &[]time.Duration{}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return e, clock, sleeps
}

func key(subject model.Subject, res model.Resource) model.ReconciliationKey {
	return model.NewKey(model.ChainArbitrum, subject, res)
}

func getRecord(t *testing.T, s progress.Store, k model.ReconciliationKey) *model.ProgressRecord {
	t.Helper()
	rec, err := s.Get(context.Background(), k)
	require.NoError(t, err)
	return rec
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestEngine_Scenarios(t *testing.T) {
	l := newFakeLedger("0xA1", "0xA2", "0xA3")
	l.setBalance("0xA2", r1, 100)
	l.hashes[fid("0xA2", r1.Address)] = "0xdeadbeef"
	l.setBalance("0xA3", r1, 50)
	l.reverts[fid("0xA3", r1.Address)] = "execution reverted: action would become insolvent"
	l.setBalance("0xA3", r2, 10)

	store := openStore(t, t.TempDir())
	e, _, sleeps := newTestEngine(t, store)

	res, err := e.Run(context.Background(), testTarget(l))
	require.NoError(t, err)

	rec := getRecord(t, store, key("0xA1", r1))
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressNoBalance, rec.State)
	assert.Zero(t, l.submitCount("0xA1", r1))

	rec = getRecord(t, store, key("0xA2", r1))
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressCompleted, rec.State)
	assert.Equal(t, "0xdeadbeef", rec.TxHash)
	assert.NotZero(t, rec.BlockNumber)

	rec = getRecord(t, store, key("0xA3", r1))
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressInsolvent, rec.State)
	assert.Contains(t, rec.Reason, "would become insolvent")

	// Rejection on R1 does not stop R2 for the same subject.
	rec = getRecord(t, store, key("0xA3", r2))
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressCompleted, rec.State)

	assert.Equal(t, 3, res.Subjects)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 3, res.NewSubjects)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Insolvent)
	assert.Equal(t, 3, res.NoBalance)
	assert.False(t, res.Aborted)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.Cursor.Batch)
	assert.Equal(t, 3, res.Cursor.SubjectIndex)
	// Three actions, delay before the second and third.
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, *sleeps)

	// Idempotence: a second run submits nothing and leaves terminal records alone.
	before := l.totalSubmits()
	res2, err := e.Run(context.Background(), testTarget(l))
	require.NoError(t, err)
	assert.Equal(t, before, l.totalSubmits())
	assert.Equal(t, 0, res2.Completed+res2.Insolvent)
	assert.Equal(t, 3, res2.Skipped)
	assert.Equal(t, 0, res2.NewSubjects)

	rec = getRecord(t, store, key("0xA2", r1))
	assert.Equal(t, "0xdeadbeef", rec.TxHash)

	snap := e.Health().For(model.ChainArbitrum).Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
}

func TestEngine_UnrecognizedRevertAborts(t *testing.T) {
	l := newFakeLedger("0xA1", "0xA4", "0xA5")
	l.setBalance("0xA1", r1, 5)
	l.setBalance("0xA4", r1, 7)
	l.reverts[fid("0xA4", r1.Address)] = "execution reverted: oracle stale"
	l.setBalance("0xA5", r1, 9)

	dir := t.TempDir()
	store := openStore(t, dir)
	e, _, _ := newTestEngine(t, store)

	res, err := e.Run(context.Background(), testTarget(l, r1))
	require.Error(t, err)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, key("0xA4", r1), fatal.Key)
	assert.Equal(t, "0xtx-0xA4|0xR1", fatal.TxHash)
	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Completed)

	assert.Nil(t, getRecord(t, store, key("0xA4", r1)))
	assert.Zero(t, l.submitCount("0xA5", r1), "run must stop at the fatal key")

	intent, err := store.PendingIntent(context.Background(), key("0xA4", r1))
	require.NoError(t, err)
	require.NotNil(t, intent, "intent is kept for an unclassified revert")

	require.NoError(t, store.Close())
	reopened := openStore(t, dir)
	rec := getRecord(t, reopened, key("0xA1", r1))
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressCompleted, rec.State)

	snap := e.Health().For(model.ChainArbitrum).Snapshot()
	assert.Equal(t, 1, snap.ConsecutiveFailures)
	assert.Equal(t, string(HealthStatusDegraded), snap.Status)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *recordingAlerter) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *recordingAlerter) ofKind(kind alert.Kind) []alert.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alert.Alert
	for _, al := range a.alerts {
		if al.Kind == kind {
			out = append(out, al)
		}
	}
	return out
}

func TestEngine_AlertsCarryKeyAndCounts(t *testing.T) {
	l := newFakeLedger("0xA1", "0xA4", "0xA6")
	l.setBalance("0xA1", r1, 5)
	l.setBalance("0xA4", r1, 7)
	l.reverts[fid("0xA4", r1.Address)] = "execution reverted: oracle stale"
	l.setBalance("0xA6", r1, 3)
	l.stuck[fid("0xA6", r1.Address)] = true

	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)
	rec := &recordingAlerter{}
	e.alerter = rec

	_, err := e.Run(context.Background(), testTarget(l, r1))
	require.Error(t, err)

	aborted := rec.ofKind(alert.KindRunAborted)
	require.Len(t, aborted, 1)
	assert.Equal(t, model.ChainArbitrum, aborted[0].Chain)
	assert.Equal(t, key("0xA4", r1).String(), aborted[0].Key)
	assert.Equal(t, "0xtx-0xA4|0xR1", aborted[0].TxHash)
	require.NotNil(t, aborted[0].Counts)
	assert.Equal(t, 3, aborted[0].Counts.Subjects)
	assert.Equal(t, 1, aborted[0].Counts.Completed)

	// The unclassified revert stays journaled; clear it so the run reaches 0xA6.
	require.NoError(t, store.ClearIntent(context.Background(), key("0xA4", r1)))
	delete(l.reverts, fid("0xA4", r1.Address))
	_, err = e.Run(context.Background(), testTarget(l, r1))
	require.ErrorIs(t, err, ledger.ErrConfirmationTimeout)

	res, err := e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)

	pending := rec.ofKind(alert.KindPendingAction)
	require.Len(t, pending, 1)
	assert.Equal(t, key("0xA6", r1).String(), pending[0].Key)
	assert.Equal(t, "0xtx-0xA6|0xR1", pending[0].TxHash)
	assert.False(t, pending[0].PendingSince.IsZero())
}

func TestEngine_PreflightRejectionRecordsInsolvent(t *testing.T) {
	l := newFakeLedger("0xA3")
	l.setBalance("0xA3", r1, 50)
	l.preflight[fid("0xA3", r1.Address)] = "would become insolvent"

	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	res, err := e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Insolvent)

	rec := getRecord(t, store, key("0xA3", r1))
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressInsolvent, rec.State)
	assert.Empty(t, rec.TxHash)
}

func TestEngine_ReadFailedSkipsKey(t *testing.T) {
	l := newFakeLedger("0xA1")
	l.readErrs[fid("0xA1", r1.Address)] = fmt.Errorf("%w: boom", ledger.ErrReadFailed)
	l.setBalance("0xA1", r2, 3)

	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	res, err := e.Run(context.Background(), testTarget(l))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReadFailed)
	assert.Equal(t, 1, res.Completed)
	assert.Nil(t, getRecord(t, store, key("0xA1", r1)), "unknown balance is never recorded")
	assert.Zero(t, l.submitCount("0xA1", r1))

	snap := e.Health().For(model.ChainArbitrum).Snapshot()
	assert.Equal(t, string(HealthStatusDegraded), snap.Status)
}

func TestEngine_LedgerUnavailableAborts(t *testing.T) {
	l := newFakeLedger("0xA1")
	l.readErrs[fid("0xA1", r2.Address)] = fmt.Errorf("%w: connection refused", ledger.ErrLedgerUnavailable)
	l.setBalance("0xA1", r1, 3)

	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	res, err := e.Run(context.Background(), testTarget(l))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrLedgerUnavailable)
	assert.True(t, res.Aborted)
	assert.Zero(t, l.totalSubmits(), "reads complete before any action for the subject")
}

func TestEngine_ConfirmationTimeoutResumesWithoutResubmit(t *testing.T) {
	l := newFakeLedger("0xA2")
	l.setBalance("0xA2", r1, 100)
	l.stuck[fid("0xA2", r1.Address)] = true

	dir := t.TempDir()
	store := openStore(t, dir)
	e, _, _ := newTestEngine(t, store)

	_, err := e.Run(context.Background(), testTarget(l, r1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrConfirmationTimeout)
	assert.Nil(t, getRecord(t, store, key("0xA2", r1)), "timeout is never recorded as completed")

	// Still pending: the key is skipped, nothing is resubmitted.
	res, err := e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, 1, l.submitCount("0xA2", r1))

	// Mined while we were away; a restarted process picks it up.
	l.mine("0xtx-0xA2|0xR1")
	require.NoError(t, store.Close())
	store = openStore(t, dir)
	e2, _, _ := newTestEngine(t, store)

	res, err = e2.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, l.submitCount("0xA2", r1))

	rec := getRecord(t, store, key("0xA2", r1))
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressCompleted, rec.State)
	assert.Equal(t, uint64(900), rec.BlockNumber)

	intent, err := store.PendingIntent(context.Background(), key("0xA2", r1))
	require.NoError(t, err)
	assert.Nil(t, intent)
}

func TestEngine_RevertedIntentIsClassified(t *testing.T) {
	l := newFakeLedger("0xA3")
	l.txs["0xold"] = &fakeTx{id: fid("0xA3", r1.Address), status: ledger.TxMinedReverted, reason: "would become insolvent", block: 50}

	store := openStore(t, t.TempDir())
	require.NoError(t, store.RecordIntent(context.Background(), model.PendingIntent{
		Key: key("0xA3", r1), TxHash: "0xold", Nonce: 4, SubmittedAt: time.Now(),
	}))
	e, _, _ := newTestEngine(t, store)

	res, err := e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Insolvent)
	assert.Zero(t, l.totalSubmits())

	rec := getRecord(t, store, key("0xA3", r1))
	require.NotNil(t, rec)
	assert.Equal(t, model.ProgressInsolvent, rec.State)
	assert.Equal(t, "0xold", rec.TxHash)
}

func TestEngine_UnknownIntentIsReevaluated(t *testing.T) {
	l := newFakeLedger("0xA2")
	l.setBalance("0xA2", r1, 100)

	store := openStore(t, t.TempDir())
	require.NoError(t, store.RecordIntent(context.Background(), model.PendingIntent{
		Key: key("0xA2", r1), TxHash: "0xdropped", Nonce: 1, SubmittedAt: time.Now(),
	}))
	e, _, _ := newTestEngine(t, store)

	res, err := e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, l.submitCount("0xA2", r1))

	rec := getRecord(t, store, key("0xA2", r1))
	require.NotNil(t, rec)
	assert.Equal(t, "0xtx-0xA2|0xR1", rec.TxHash)
}

// intentHookStore fails the next failures intent writes, and calls after
// once an intent write has succeeded.
type intentHookStore struct {
	progress.Store
	failures int
	after    func()
}

func (s *intentHookStore) RecordIntent(ctx context.Context, intent model.PendingIntent) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("write progress.json: input/output error")
	}
	if err := s.Store.RecordIntent(ctx, intent); err != nil {
		return err
	}
	if s.after != nil {
		s.after()
	}
	return nil
}

func TestEngine_JournalFailureNeverDoubleSubmits(t *testing.T) {
	l := newFakeLedger("0xA2")
	l.setBalance("0xA2", r1, 100)
	l.stuck[fid("0xA2", r1.Address)] = true

	store := &intentHookStore{Store: openStore(t, t.TempDir()), failures: 1}
	e, _, _ := newTestEngine(t, store)

	_, err := e.Run(context.Background(), testTarget(l, r1))
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorContains(t, err, "input/output error")
	assert.Zero(t, l.submitCount("0xA2", r1), "an unjournaled action is never broadcast")

	// Resume: the action goes out once and stays pending.
	_, err = e.Run(context.Background(), testTarget(l, r1))
	require.ErrorIs(t, err, ledger.ErrConfirmationTimeout)
	assert.Equal(t, 1, l.submitCount("0xA2", r1))

	res, err := e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, 1, l.submitCount("0xA2", r1))
}

func TestEngine_CrashBetweenJournalAndBroadcast(t *testing.T) {
	l := newFakeLedger("0xA2")
	l.setBalance("0xA2", r1, 100)

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &intentHookStore{Store: openStore(t, dir), after: cancel}
	e, _, _ := newTestEngine(t, store)

	_, err := e.Run(ctx, testTarget(l, r1))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, l.submitCount("0xA2", r1))
	require.NoError(t, store.Close())

	resumed := openStore(t, dir)
	intent, err := resumed.PendingIntent(context.Background(), key("0xA2", r1))
	require.NoError(t, err)
	require.NotNil(t, intent, "the signed hash was journaled before the crash")

	e2, _, _ := newTestEngine(t, resumed)
	res, err := e2.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, l.submitCount("0xA2", r1))

	intent, err = resumed.PendingIntent(context.Background(), key("0xA2", r1))
	require.NoError(t, err)
	assert.Nil(t, intent)
}

func TestEngine_StaleIntentBesideTerminalRecordIsCleared(t *testing.T) {
	l := newFakeLedger("0xA2")
	ctx := context.Background()
	store := openStore(t, t.TempDir())
	k := key("0xA2", r1)
	_, err := store.RecordOutcome(ctx, k, model.ProgressCompleted, model.OutcomeMeta{TxHash: "0xdone"})
	require.NoError(t, err)
	require.NoError(t, store.RecordIntent(ctx, model.PendingIntent{Key: k, TxHash: "0xdone", SubmittedAt: time.Now()}))

	e, _, _ := newTestEngine(t, store)
	res, err := e.Run(ctx, testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	intent, err := store.PendingIntent(ctx, k)
	require.NoError(t, err)
	assert.Nil(t, intent)
}

func TestEngine_NoBalanceTTL(t *testing.T) {
	l := newFakeLedger("0xA1")
	store := openStore(t, t.TempDir())
	e, clock, _ := newTestEngine(t, store, func(c *Config) { c.NoBalanceTTL = time.Hour })

	res, err := e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.NoBalance)

	l.setBalance("0xA1", r1, 8)
	clock.Advance(10 * time.Minute)
	res, err = e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped, "recent NO_BALANCE is trusted")
	assert.Zero(t, l.totalSubmits())

	clock.Advance(2 * time.Hour)
	res, err = e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	rec := getRecord(t, store, key("0xA1", r1))
	assert.Equal(t, model.ProgressCompleted, rec.State)
}

func TestEngine_ZeroTTLRechecksNoBalance(t *testing.T) {
	l := newFakeLedger("0xA1")
	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	_, err := e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)

	l.setBalance("0xA1", r1, 8)
	res, err := e.Run(context.Background(), testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
}

func scenarioLedger(n int) *fakeLedger {
	subjects := make([]model.Subject, n)
	for i := range subjects {
		subjects[i] = model.Subject(fmt.Sprintf("0xS%02d", i))
	}
	l := newFakeLedger(subjects...)
	for i, s := range subjects {
		switch i % 4 {
		case 0:
			l.setBalance(s, r1, int64(i+1))
		case 1:
			l.setBalance(s, r1, int64(i+1))
			l.reverts[fid(s, r1.Address)] = "would become insolvent"
			l.setBalance(s, r2, 1)
		case 2:
			l.setBalance(s, r2, 4)
		}
	}
	return l
}

func terminalStates(t *testing.T, s progress.Store, subjects []model.Subject) map[model.ReconciliationKey]model.ProgressRecord {
	t.Helper()
	out := make(map[model.ReconciliationKey]model.ProgressRecord)
	for _, subject := range subjects {
		for _, res := range []model.Resource{r1, r2} {
			rec := getRecord(t, s, key(subject, res))
			if rec != nil && rec.State.Terminal() {
				out[rec.Key] = model.ProgressRecord{Key: rec.Key, State: rec.State, TxHash: rec.TxHash}
			}
		}
	}
	return out
}

func TestEngine_ResumeMatchesUninterruptedRun(t *testing.T) {
	const subjects = 13

	oracleLedger := scenarioLedger(subjects)
	oracleStore := openStore(t, t.TempDir())
	oracle, _, _ := newTestEngine(t, oracleStore, func(c *Config) { c.BatchSize = 4 })
	_, err := oracle.Run(context.Background(), testTarget(oracleLedger))
	require.NoError(t, err)
	want := terminalStates(t, oracleStore, oracleLedger.subjects)
	require.NotEmpty(t, want)

	// Kill the run right after the fifth broadcast, before its confirmation.
	l := scenarioLedger(subjects)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var submits int
	l.onSubmit = func(string) {
		submits++
		if submits == 5 {
			cancel()
		}
	}
	dir := t.TempDir()
	store := openStore(t, dir)
	e, _, _ := newTestEngine(t, store, func(c *Config) { c.BatchSize = 4 })
	res, err := e.Run(ctx, testTarget(l))
	require.Error(t, err)
	assert.True(t, res.Aborted)
	require.NoError(t, store.Close())

	l.onSubmit = nil
	resumed := openStore(t, dir)
	e2, _, _ := newTestEngine(t, resumed, func(c *Config) { c.BatchSize = 4 })
	_, err = e2.Run(context.Background(), testTarget(l))
	require.NoError(t, err)

	assert.Equal(t, want, terminalStates(t, resumed, l.subjects))

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, n := range l.submits {
		assert.LessOrEqualf(t, n, 1, "%s submitted %d times", id, n)
	}
}

func TestEngine_SubjectsGrowMonotonically(t *testing.T) {
	ctx := context.Background()
	l := newFakeLedger("0xA1", "0xA2")
	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	_, err := e.Run(ctx, testTarget(l, r1))
	require.NoError(t, err)

	// 0xA1 left the registry but is still evaluated.
	l.subjects = []model.Subject{"0xA2", "0xA3"}
	l.setBalance("0xA1", r1, 6)
	res, err := e.Run(ctx, testTarget(l, r1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewSubjects)
	assert.Equal(t, 3, res.Subjects)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, l.submitCount("0xA1", r1))

	got, err := store.Subjects(ctx, model.ChainArbitrum)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Subject{"0xA1", "0xA2", "0xA3"}, got)
}

func TestEngine_BoundedReadFanOut(t *testing.T) {
	resources := make([]model.Resource, 6)
	for i := range resources {
		resources[i] = model.Resource{Name: fmt.Sprintf("R%d", i), Address: fmt.Sprintf("0xR%d", i)}
	}
	l := newFakeLedger("0xA1", "0xA2")
	l.readDelay = 5 * time.Millisecond

	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store, func(c *Config) { c.ReadConcurrency = 2 })

	res, err := e.Run(context.Background(), testTarget(l, resources...))
	require.NoError(t, err)
	assert.Equal(t, 12, res.NoBalance)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.LessOrEqual(t, l.maxReading, 2)
	assert.GreaterOrEqual(t, l.maxReading, 1)
}

func TestEngine_CanceledBeforeStartStopsAtBatchBoundary(t *testing.T) {
	l := newFakeLedger("0xA1", "0xA2")
	l.setBalance("0xA1", r1, 1)
	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Run(ctx, testTarget(l))
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Aborted)
	assert.Zero(t, l.totalSubmits())
	assert.Equal(t, 0, res.Cursor.Batch)
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (func() error, error) {
	return nil, lock.ErrHeld
}

func TestEngine_LockHeld(t *testing.T) {
	l := newFakeLedger("0xA1")
	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)
	e.WithLocker(heldLocker{})

	_, err := e.Run(context.Background(), testTarget(l))
	require.ErrorIs(t, err, lock.ErrHeld)
}

func TestEngine_RunAllStopsAtFirstFailure(t *testing.T) {
	bad := newFakeLedger("0xA1")
	bad.setBalance("0xA1", r1, 1)
	bad.reverts[fid("0xA1", r1.Address)] = "unexpected"
	good := newFakeLedger("0xB1")
	good.chain = model.ChainAvalanche

	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	results, err := e.RunAll(context.Background(), []Target{testTarget(bad, r1), testTarget(good, r1)})
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.ChainArbitrum, results[0].Chain)

	got, err := store.Subjects(context.Background(), model.ChainAvalanche)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEngine_InvalidTarget(t *testing.T) {
	store := openStore(t, t.TempDir())
	e, _, _ := newTestEngine(t, store)

	_, err := e.Run(context.Background(), Target{Chain: model.ChainArbitrum})
	require.Error(t, err)

	_, err = e.Run(context.Background(), Target{Chain: model.ChainArbitrum, Ledger: newFakeLedger(), BuildAction: testAction})
	require.Error(t, err)
}

func TestFatalError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &FatalError{Key: key("0xA1", r1), TxHash: "0x1", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "0x1")
	assert.Contains(t, err.Error(), "Arbitrum-0xA1-0xR1")
}

package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ledger"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ledger/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeJournal struct {
	intents []model.PendingIntent
	err     error
}

func (j *fakeJournal) RecordIntent(_ context.Context, intent model.PendingIntent) error {
	if j.err != nil {
		return j.err
	}
	j.intents = append(j.intents, intent)
	return nil
}

var (
	testKey    = model.ReconciliationKey{Chain: model.ChainArbitrum, Subject: "0xA2", Resource: "0xR1"}
	testAction = model.Action{Target: "0xA2", Calldata: []byte{0x01}, Method: "sweepFeesAndUpdateBenchMark"}
)

func newTestExecutor(t *testing.T, minConf int) (*Executor, *mocks.MockClient, *fakeJournal) {
	t.Helper()
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Chain().Return(model.ChainArbitrum).AnyTimes()

	rejections, err := NewRejectionSet(DefaultRejectionRules)
	require.NoError(t, err)

	journal := &fakeJournal{}
	e := New(client, journal, Config{MinConfirmations: minConf, Rejections: rejections},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return e, client, journal
}

func signedTx(handle ledger.TxHandle) *ledger.SignedTx {
	return &ledger.SignedTx{Handle: handle, Method: testAction.Method, Raw: []byte{0xf8, 0x6b}}
}

func TestExecute_Completed(t *testing.T) {
	e, client, journal := newTestExecutor(t, 1)
	handle := ledger.TxHandle{Hash: "0xdeadbeef", Nonce: 4}
	signed := signedTx(handle)
	receipt := &ledger.Receipt{TxHash: "0xdeadbeef", BlockNumber: 100, Confirmations: 1, Succeeded: true}

	gomock.InOrder(
		client.EXPECT().PrepareAction(gomock.Any(), testAction).Return(signed, nil),
		client.EXPECT().SubmitAction(gomock.Any(), signed).Return(handle, nil),
		client.EXPECT().AwaitConfirmation(gomock.Any(), handle, 1).Return(receipt, nil),
	)

	out := e.Execute(context.Background(), testKey, testAction)
	assert.Equal(t, KindCompleted, out.Kind)
	assert.Equal(t, "0xdeadbeef", out.TxHash)
	assert.Same(t, receipt, out.Receipt)
	assert.True(t, out.Journaled)
	require.NoError(t, out.Err)

	require.Len(t, journal.intents, 1)
	assert.Equal(t, model.PendingIntent{
		Key: testKey, TxHash: "0xdeadbeef", Nonce: 4,
		SubmittedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}, journal.intents[0])
}

func TestExecute_JournalsBeforeBroadcast(t *testing.T) {
	e, client, journal := newTestExecutor(t, 1)
	handle := ledger.TxHandle{Hash: "0x0b", Nonce: 2}
	signed := signedTx(handle)

	client.EXPECT().PrepareAction(gomock.Any(), testAction).Return(signed, nil)
	client.EXPECT().SubmitAction(gomock.Any(), signed).
		DoAndReturn(func(context.Context, *ledger.SignedTx) (ledger.TxHandle, error) {
			require.Len(t, journal.intents, 1, "intent must be durable before broadcast")
			assert.Equal(t, "0x0b", journal.intents[0].TxHash)
			return handle, nil
		})
	client.EXPECT().AwaitConfirmation(gomock.Any(), handle, 1).Return(&ledger.Receipt{TxHash: "0x0b", Succeeded: true}, nil)

	assert.Equal(t, KindCompleted, e.Execute(context.Background(), testKey, testAction).Kind)
}

func TestExecute_MinConfirmationsNeverBelowOne(t *testing.T) {
	e, client, _ := newTestExecutor(t, 0)
	handle := ledger.TxHandle{Hash: "0x01"}
	signed := signedTx(handle)

	client.EXPECT().PrepareAction(gomock.Any(), testAction).Return(signed, nil)
	client.EXPECT().SubmitAction(gomock.Any(), signed).Return(handle, nil)
	client.EXPECT().AwaitConfirmation(gomock.Any(), handle, 1).Return(&ledger.Receipt{TxHash: "0x01", Succeeded: true}, nil)

	assert.Equal(t, KindCompleted, e.Execute(context.Background(), testKey, testAction).Kind)
}

func TestExecute_PreflightInsolvencyIsRejected(t *testing.T) {
	e, client, journal := newTestExecutor(t, 1)

	client.EXPECT().PrepareAction(gomock.Any(), testAction).
		Return(nil, &ledger.RevertError{Reason: "The action may cause an account to become insolvent"})

	out := e.Execute(context.Background(), testKey, testAction)
	assert.Equal(t, KindRejected, out.Kind)
	assert.Equal(t, "insolvent", out.Rule)
	assert.False(t, out.Journaled)
	assert.Empty(t, journal.intents, "nothing was signed")
}

func TestExecute_MinedInsolvencyIsRejected(t *testing.T) {
	e, client, journal := newTestExecutor(t, 1)
	handle := ledger.TxHandle{Hash: "0xaa"}
	signed := signedTx(handle)

	client.EXPECT().PrepareAction(gomock.Any(), testAction).Return(signed, nil)
	client.EXPECT().SubmitAction(gomock.Any(), signed).Return(handle, nil)
	client.EXPECT().AwaitConfirmation(gomock.Any(), handle, 1).
		Return(nil, &ledger.RevertError{Reason: "would become insolvent: The action may cause an account to become insolvent", TxHash: "0xaa"})

	out := e.Execute(context.Background(), testKey, testAction)
	assert.Equal(t, KindRejected, out.Kind)
	assert.Equal(t, "0xaa", out.TxHash)
	assert.True(t, out.Journaled)
	assert.Len(t, journal.intents, 1)
}

func TestExecute_BroadcastRejectionKeepsJournaledFlag(t *testing.T) {
	e, client, journal := newTestExecutor(t, 1)
	signed := signedTx(ledger.TxHandle{Hash: "0xab"})

	client.EXPECT().PrepareAction(gomock.Any(), testAction).Return(signed, nil)
	client.EXPECT().SubmitAction(gomock.Any(), signed).
		Return(ledger.TxHandle{}, &ledger.RevertError{Reason: "The action may cause an account to become insolvent"})

	out := e.Execute(context.Background(), testKey, testAction)
	assert.Equal(t, KindRejected, out.Kind)
	assert.Empty(t, out.TxHash, "the transaction never reached a block")
	assert.True(t, out.Journaled)
	assert.Len(t, journal.intents, 1)
}

func TestExecute_UnknownRevertIsFatal(t *testing.T) {
	e, client, _ := newTestExecutor(t, 1)

	client.EXPECT().PrepareAction(gomock.Any(), testAction).
		Return(nil, &ledger.RevertError{Reason: "DiamondStorageLib: Must be contract owner"})

	out := e.Execute(context.Background(), testKey, testAction)
	assert.Equal(t, KindFatal, out.Kind)
	assert.Equal(t, "DiamondStorageLib: Must be contract owner", out.Reason)
	var revert *ledger.RevertError
	require.ErrorAs(t, out.Err, &revert)
}

func TestExecute_SubmitTransportErrorIsFatal(t *testing.T) {
	e, client, journal := newTestExecutor(t, 1)
	signed := signedTx(ledger.TxHandle{Hash: "0xdd", Nonce: 1})

	client.EXPECT().PrepareAction(gomock.Any(), testAction).Return(signed, nil)
	client.EXPECT().SubmitAction(gomock.Any(), signed).
		Return(ledger.TxHandle{}, ledger.ErrLedgerUnavailable)

	out := e.Execute(context.Background(), testKey, testAction)
	assert.Equal(t, KindFatal, out.Kind)
	assert.Equal(t, "0xdd", out.TxHash)
	assert.True(t, out.Journaled, "the next run resolves the hash before acting again")
	assert.ErrorIs(t, out.Err, ledger.ErrLedgerUnavailable)
	assert.Len(t, journal.intents, 1)
}

func TestExecute_PrepareTransportErrorIsFatal(t *testing.T) {
	e, client, journal := newTestExecutor(t, 1)

	client.EXPECT().PrepareAction(gomock.Any(), testAction).Return(nil, ledger.ErrLedgerUnavailable)

	out := e.Execute(context.Background(), testKey, testAction)
	assert.Equal(t, KindFatal, out.Kind)
	assert.ErrorIs(t, out.Err, ledger.ErrLedgerUnavailable)
	assert.Empty(t, journal.intents)
}

func TestExecute_ConfirmationTimeoutKeepsIntent(t *testing.T) {
	e, client, journal := newTestExecutor(t, 1)
	handle := ledger.TxHandle{Hash: "0xbb", Nonce: 9}
	signed := signedTx(handle)

	client.EXPECT().PrepareAction(gomock.Any(), testAction).Return(signed, nil)
	client.EXPECT().SubmitAction(gomock.Any(), signed).Return(handle, nil)
	client.EXPECT().AwaitConfirmation(gomock.Any(), handle, 1).Return(nil, ledger.ErrConfirmationTimeout)

	out := e.Execute(context.Background(), testKey, testAction)
	assert.Equal(t, KindTimeout, out.Kind)
	assert.Equal(t, "0xbb", out.TxHash)
	assert.ErrorIs(t, out.Err, ledger.ErrConfirmationTimeout)
	require.Len(t, journal.intents, 1)
}

func TestExecute_JournalFailureNeverBroadcasts(t *testing.T) {
	e, client, journal := newTestExecutor(t, 1)
	journal.err = errors.New("disk full")

	client.EXPECT().PrepareAction(gomock.Any(), testAction).Return(signedTx(ledger.TxHandle{Hash: "0xcc"}), nil)
	client.EXPECT().SubmitAction(gomock.Any(), gomock.Any()).Times(0)

	out := e.Execute(context.Background(), testKey, testAction)
	assert.Equal(t, KindFatal, out.Kind)
	assert.Empty(t, out.TxHash)
	assert.False(t, out.Journaled)
	assert.ErrorContains(t, out.Err, "disk full")
}

func TestClassify(t *testing.T) {
	e, _, _ := newTestExecutor(t, 1)

	kind, rule := e.Classify("execution reverted: The action may cause an account to become insolvent")
	assert.Equal(t, KindRejected, kind)
	assert.Equal(t, "insolvent", rule)

	kind, _ = e.Classify("out of gas")
	assert.Equal(t, KindFatal, kind)

	kind, _ = e.Classify("")
	assert.Equal(t, KindFatal, kind)
}

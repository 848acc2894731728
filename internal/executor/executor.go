// Package executor submits one mutating action and classifies its result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ledger"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/metrics"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"
)

type Kind string

const (
	// KindCompleted: mined successfully at the required depth.
	KindCompleted Kind = "completed"
	// KindRejected: reverted with a reason matching the rejection set.
	KindRejected Kind = "rejected"
	// KindFatal: anything else. The run must abort.
	KindFatal Kind = "fatal"
	// KindTimeout: broadcast but not confirmed in time. The pending intent
	// stays journaled.
	KindTimeout Kind = "confirmation_timeout"
)

type Outcome struct {
	Kind    Kind
	TxHash  string
	Receipt *ledger.Receipt
	// Reason is the revert reason for rejected and reverted actions.
	Reason string
	// Rule is the matched rejection rule.
	Rule string
	// Journaled is set once a pending intent was written for the action.
	Journaled bool
	Err       error
}

// Journal durably records signed transactions before they are broadcast.
// progress.Store satisfies it.
type Journal interface {
	RecordIntent(ctx context.Context, intent model.PendingIntent) error
}

type Config struct {
	MinConfirmations int
	Rejections       *RejectionSet
}

type Executor struct {
	client           ledger.Client
	journal          Journal
	rejections       *RejectionSet
	minConfirmations int
	logger           *slog.Logger
	now              func() time.Time
}

func New(client ledger.Client, journal Journal, cfg Config, logger *slog.Logger) *Executor {
	minConf := cfg.MinConfirmations
	if minConf < 1 {
		minConf = 1
	}
	return &Executor{
		client:           client,
		journal:          journal,
		rejections:       cfg.Rejections,
		minConfirmations: minConf,
		logger:           logger.With("component", "executor", "chain", client.Chain()),
		now:              time.Now,
	}
}

// Classify maps a revert reason to Rejected or Fatal.
func (e *Executor) Classify(reason string) (Kind, string) {
	if rule, ok := e.rejections.Match(reason); ok {
		return KindRejected, rule
	}
	return KindFatal, ""
}

// Execute signs action for key, journals it, broadcasts it and waits for
// confirmation. The intent is durable before the transaction leaves the
// process, so a crash at any point leaves either nothing on chain or a
// journaled hash to resolve.
func (e *Executor) Execute(ctx context.Context, key model.ReconciliationKey, action model.Action) (out Outcome) {
	chain := e.client.Chain().Slug()
	ctx, span := tracing.Tracer("executor").Start(ctx, "executor.execute",
		otelTrace.WithAttributes(
			attribute.String("chain", chain),
			attribute.String("key", key.String()),
			attribute.String("method", action.Method),
		),
	)
	defer func() {
		metrics.ActionOutcomesTotal.WithLabelValues(chain, string(out.Kind)).Inc()
		span.SetAttributes(attribute.String("outcome", string(out.Kind)))
		if out.Kind == KindFatal && out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	log := e.logger.With("subject", key.Subject, "resource", key.Resource)

	signed, err := e.client.PrepareAction(ctx, action)
	if err != nil {
		if revert, ok := ledger.AsRevert(err); ok {
			return e.reverted(log, "", revert)
		}
		return Outcome{Kind: KindFatal, Err: fmt.Errorf("prepare %s: %w", action.Method, err)}
	}
	handle := signed.Handle

	if err := e.journal.RecordIntent(ctx, model.PendingIntent{
		Key:         key,
		TxHash:      handle.Hash,
		Nonce:       handle.Nonce,
		SubmittedAt: e.now().UTC(),
	}); err != nil {
		log.Error("journal pending intent failed, nothing broadcast", "tx_hash", handle.Hash, "error", err)
		return Outcome{Kind: KindFatal, Err: fmt.Errorf("journal intent %s: %w", handle.Hash, err)}
	}

	if _, err := e.client.SubmitAction(ctx, signed); err != nil {
		if revert, ok := ledger.AsRevert(err); ok {
			out := e.reverted(log, "", revert)
			out.Journaled = true
			return out
		}
		return Outcome{Kind: KindFatal, TxHash: handle.Hash, Journaled: true, Err: fmt.Errorf("submit %s: %w", action.Method, err)}
	}
	metrics.ActionsSubmittedTotal.WithLabelValues(chain, action.Method).Inc()
	log.Info("action broadcast", "tx_hash", handle.Hash, "nonce", handle.Nonce, "method", action.Method)

	started := time.Now()
	receipt, err := e.client.AwaitConfirmation(ctx, handle, e.minConfirmations)
	switch {
	case err == nil:
		metrics.ConfirmationLatency.WithLabelValues(chain).Observe(time.Since(started).Seconds())
		log.Info("action confirmed", "tx_hash", receipt.TxHash, "block", receipt.BlockNumber, "confirmations", receipt.Confirmations)
		return Outcome{Kind: KindCompleted, TxHash: handle.Hash, Receipt: receipt, Journaled: true}
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		log.Warn("confirmation timed out, intent kept", "tx_hash", handle.Hash)
		return Outcome{Kind: KindTimeout, TxHash: handle.Hash, Journaled: true, Err: err}
	}
	if revert, ok := ledger.AsRevert(err); ok {
		out := e.reverted(log, handle.Hash, revert)
		out.Journaled = true
		return out
	}
	return Outcome{Kind: KindFatal, TxHash: handle.Hash, Journaled: true, Err: fmt.Errorf("await %s: %w", handle.Hash, err)}
}

func (e *Executor) reverted(log *slog.Logger, txHash string, revert *ledger.RevertError) Outcome {
	if txHash == "" {
		txHash = revert.TxHash
	}
	kind, rule := e.Classify(revert.Reason)
	if kind == KindRejected {
		log.Info("action rejected", "rule", rule, "reason", revert.Reason, "tx_hash", txHash)
		return Outcome{Kind: KindRejected, TxHash: txHash, Reason: revert.Reason, Rule: rule}
	}
	return Outcome{Kind: KindFatal, TxHash: txHash, Reason: revert.Reason, Err: revert}
}

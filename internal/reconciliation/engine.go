// Package reconciliation drives the per-(subject, resource) evaluation loop.
//
// A run enumerates the registry, walks the subjects in fixed-size batches
// and, for every configured resource that is not yet resolved in the
// progress store, reads the current balance and acts on it. Balance reads
// for one subject are fanned out; actions are issued one at a time in
// resource configuration order. Outcomes are written through to the store
// as soon as they are known, which makes a killed run safe to restart.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/alert"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/executor"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ledger"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/lock"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/metrics"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize       = 100
	DefaultReadConcurrency = 8
)

// ActionBuilder produces the mutating call for a key with a positive balance.
type ActionBuilder func(subject model.Subject, resource model.Resource) (model.Action, error)

// Target is one chain to reconcile.
type Target struct {
	Chain   model.Chain
	Network model.Network
	Ledger  ledger.Client
	// Resources are evaluated in this order for every subject.
	Resources   []model.Resource
	BuildAction ActionBuilder
}

type Config struct {
	BatchSize        int
	ReadConcurrency  int
	ActionDelay      time.Duration
	NoBalanceTTL     time.Duration
	MinConfirmations int
	Rejections       *executor.RejectionSet
}

// Engine runs reconciliation passes. It is the only writer of the progress
// store it is given.
type Engine struct {
	store   progress.Store
	cfg     Config
	alerter alert.Alerter
	health  *HealthRegistry
	locker  lock.Locker
	logger  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(store progress.Store, cfg Config, alerter alert.Alerter, logger *slog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = DefaultReadConcurrency
	}
	if cfg.MinConfirmations < 1 {
		cfg.MinConfirmations = 1
	}
	if alerter == nil {
		alerter = alert.Noop{}
	}
	return &Engine{
		store:   store,
		cfg:     cfg,
		alerter: alerter,
		health:  NewHealthRegistry(),
		locker:  lock.Noop{},
		logger:  logger.With("component", "reconciliation"),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// WithLocker makes every run hold a per-chain lock for its duration.
func (e *Engine) WithLocker(l lock.Locker) *Engine {
	if l != nil {
		e.locker = l
	}
	return e
}

// Health returns the per-chain health registry updated by every run.
func (e *Engine) Health() *HealthRegistry {
	return e.health
}

// run carries the state of a single pass over one target.
type run struct {
	*Engine
	target   Target
	exec     *executor.Executor
	result   *RunResult
	since    time.Time
	log      *slog.Logger
	chain    string
	actioned bool
}

// Run performs one pass over target. On abort the returned result holds the
// counts reached so far and the error is non-nil.
func (e *Engine) Run(ctx context.Context, target Target) (*RunResult, error) {
	if target.Ledger == nil || target.BuildAction == nil {
		return nil, fmt.Errorf("target %s: ledger and action builder are required", target.Chain)
	}
	if len(target.Resources) == 0 {
		return nil, fmt.Errorf("target %s: no resources configured", target.Chain)
	}

	release, err := e.locker.Acquire(ctx, target.Chain.Slug())
	if err != nil {
		return nil, fmt.Errorf("acquire %s lock: %w", target.Chain, err)
	}
	defer func() {
		if rerr := release(); rerr != nil {
			e.logger.Warn("release lock failed", "chain", target.Chain.String(), "error", rerr)
		}
	}()

	started := e.now()
	result := &RunResult{
		RunID:     uuid.NewString(),
		Chain:     target.Chain,
		Network:   target.Network,
		StartedAt: started,
	}
	r := &run{
		Engine: e,
		target: target,
		exec: executor.New(target.Ledger, e.store, executor.Config{
			MinConfirmations: e.cfg.MinConfirmations,
			Rejections:       e.cfg.Rejections,
		}, e.logger),
		result: result,
		since:  started.Add(-e.cfg.NoBalanceTTL),
		log:    e.logger.With("chain", target.Chain.String(), "run_id", result.RunID),
		chain:  target.Chain.Slug(),
	}

	ctx, span := tracing.Tracer("reconciliation").Start(ctx, "reconciliation.run",
		otelTrace.WithAttributes(
			attribute.String("chain", r.chain),
			attribute.String("run_id", result.RunID),
		),
	)
	defer span.End()

	r.log.Info("reconciliation run started",
		"resources", len(target.Resources),
		"batch_size", e.cfg.BatchSize,
		"no_balance_since", r.since,
	)

	err = r.execute(ctx)
	result.FinishedAt = e.now()
	metrics.ReconciliationRunLatency.WithLabelValues(r.chain).Observe(result.FinishedAt.Sub(started).Seconds())

	if err != nil {
		result.Aborted = true
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.finishFailed(ctx, err)
		return result, err
	}
	r.finishOK(ctx)
	return result, nil
}

// RunAll runs targets in order and stops at the first aborted run.
func (e *Engine) RunAll(ctx context.Context, targets []Target) ([]*RunResult, error) {
	results := make([]*RunResult, 0, len(targets))
	for _, target := range targets {
		result, err := e.Run(ctx, target)
		if result != nil {
			results = append(results, result)
		}
		if err != nil {
			return results, fmt.Errorf("reconcile %s: %w", target.Chain, err)
		}
	}
	return results, nil
}

func (r *run) execute(ctx context.Context) error {
	stream, err := r.subjects(ctx)
	if err != nil {
		return err
	}
	r.result.Subjects = stream.Len()
	r.result.Batches = (stream.Len() + r.cfg.BatchSize - 1) / r.cfg.BatchSize
	metrics.ReconciliationSubjects.WithLabelValues(r.chain).Set(float64(stream.Len()))
	r.log.Info("subjects enumerated", "subjects", stream.Len(), "batches", r.result.Batches)

	for batch := 0; ; batch++ {
		// Batch boundary: stopping here loses nothing already recorded.
		if err := ctx.Err(); err != nil {
			return err
		}
		subjects := stream.NextBatch(r.cfg.BatchSize)
		if len(subjects) == 0 {
			return nil
		}
		if err := r.processBatch(ctx, batch, subjects, stream.Position()); err != nil {
			return err
		}
	}
}

// subjects returns the registry contents followed by every subject a
// previous run recorded that the registry no longer lists.
func (r *run) subjects(ctx context.Context) (*ledger.SubjectStream, error) {
	stream, err := r.target.Ledger.EnumerateSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate subjects: %w", err)
	}
	known, err := r.store.Subjects(ctx, r.target.Chain)
	if err != nil {
		return nil, fmt.Errorf("load known subjects: %w", err)
	}
	listed := stream.NextBatch(stream.Len())
	seen := make(map[model.Subject]struct{}, len(listed))
	for _, s := range listed {
		seen[s] = struct{}{}
	}
	all := listed
	for _, s := range known {
		if _, ok := seen[s]; !ok {
			all = append(all, s)
		}
	}
	if dropped := len(all) - len(listed); dropped > 0 {
		r.log.Info("evaluating subjects missing from the registry", "subjects", dropped)
	}
	return ledger.NewSubjectStream(all), nil
}

func (r *run) processBatch(ctx context.Context, batch int, subjects []model.Subject, position int) error {
	started := time.Now()
	ctx, span := tracing.Tracer("reconciliation").Start(ctx, "reconciliation.batch",
		otelTrace.WithAttributes(
			attribute.String("chain", r.chain),
			attribute.Int("batch", batch),
			attribute.Int("subjects", len(subjects)),
		),
	)
	defer span.End()

	added, err := r.store.ObserveSubjects(ctx, r.target.Chain, subjects)
	if err != nil {
		return fmt.Errorf("record subjects: %w", err)
	}
	r.result.NewSubjects += added

	for _, subject := range subjects {
		if err := r.processSubject(ctx, subject); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	r.result.Cursor = model.BatchCursor{
		Chain:        r.target.Chain,
		Batch:        batch + 1,
		Batches:      r.result.Batches,
		SubjectIndex: position,
	}
	metrics.ReconciliationBatchLatency.WithLabelValues(r.chain).Observe(time.Since(started).Seconds())
	r.log.Info("batch checkpoint",
		"batch", batch+1,
		"batches", r.result.Batches,
		"subject_index", position,
		"completed", r.result.Completed,
		"insolvent", r.result.Insolvent,
		"no_balance", r.result.NoBalance,
		"elapsed", time.Since(started).String(),
	)
	return nil
}

// pendingKey is a key that still needs a balance read in this run.
type pendingKey struct {
	key      model.ReconciliationKey
	resource model.Resource
	balance  *big.Int
	readErr  error
}

func (r *run) processSubject(ctx context.Context, subject model.Subject) error {
	var todo []*pendingKey
	for _, resource := range r.target.Resources {
		key := model.NewKey(r.target.Chain, subject, resource)
		evaluate, err := r.prepareKey(ctx, key)
		if err != nil {
			return err
		}
		if evaluate {
			todo = append(todo, &pendingKey{key: key, resource: resource})
		}
	}
	if len(todo) == 0 {
		return nil
	}

	if err := r.readBalances(ctx, subject, todo); err != nil {
		return err
	}

	for _, p := range todo {
		if err := r.decide(ctx, subject, p); err != nil {
			return err
		}
	}
	return nil
}

// prepareKey reports whether key needs a balance read in this run. A
// journaled intent is resolved against the ledger before anything else so
// an in-flight transaction is never submitted twice.
func (r *run) prepareKey(ctx context.Context, key model.ReconciliationKey) (bool, error) {
	resolved, err := r.store.IsResolved(ctx, key, r.since)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	intent, err := r.store.PendingIntent(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check intent %s: %w", key, err)
	}

	if resolved {
		if intent != nil {
			// Outcome was recorded but the process stopped before the
			// intent was cleared.
			if err := r.store.ClearIntent(ctx, key); err != nil {
				return false, fmt.Errorf("clear intent %s: %w", key, err)
			}
		}
		r.result.Skipped++
		return false, nil
	}
	if intent == nil {
		return true, nil
	}
	return r.resolveIntent(ctx, key, intent)
}

func (r *run) resolveIntent(ctx context.Context, key model.ReconciliationKey, intent *model.PendingIntent) (bool, error) {
	log := r.log.With("subject", key.Subject, "resource", key.Resource, "tx_hash", intent.TxHash)

	status, receipt, err := r.target.Ledger.TransactionStatus(ctx, intent.TxHash)
	if err != nil {
		return false, fmt.Errorf("look up pending tx %s for %s: %w", intent.TxHash, key, err)
	}

	switch status {
	case ledger.TxMinedSuccess:
		if receipt.Confirmations < uint64(r.cfg.MinConfirmations) {
			log.Info("pending action awaiting confirmations", "confirmations", receipt.Confirmations)
			r.result.Pending++
			return false, nil
		}
		log.Info("pending action found mined")
		return false, r.record(ctx, key, model.ProgressCompleted, model.OutcomeMeta{
			TxHash: intent.TxHash, BlockNumber: receipt.BlockNumber,
		}, true)

	case ledger.TxMinedReverted:
		kind, rule := r.exec.Classify(receipt.Reason)
		if kind != executor.KindRejected {
			return false, &FatalError{Key: key, TxHash: intent.TxHash, Reason: receipt.Reason,
				Err: &ledger.RevertError{Reason: receipt.Reason, TxHash: intent.TxHash}}
		}
		log.Info("pending action found rejected", "rule", rule, "reason", receipt.Reason)
		return false, r.record(ctx, key, model.ProgressInsolvent, model.OutcomeMeta{
			TxHash: intent.TxHash, BlockNumber: receipt.BlockNumber, Reason: receipt.Reason,
		}, true)

	case ledger.TxPending:
		log.Warn("previous action still pending, skipping key for this run", "submitted_at", intent.SubmittedAt)
		r.result.Pending++
		_ = r.alerter.Send(ctx, alert.Alert{
			Kind:         alert.KindPendingAction,
			Chain:        r.target.Chain,
			Network:      r.target.Network,
			RunID:        r.result.RunID,
			Key:          key.String(),
			TxHash:       intent.TxHash,
			PendingSince: intent.SubmittedAt,
		})
		return false, nil

	default:
		log.Warn("previous action unknown to the ledger, re-evaluating")
		if err := r.store.ClearIntent(ctx, key); err != nil {
			return false, fmt.Errorf("clear intent %s: %w", key, err)
		}
		return true, nil
	}
}

// readBalances fans the reads out with a bounded pool. A ReadFailed marks
// only its own key as unknown; any other error cancels the remaining reads
// and aborts the run.
func (r *run) readBalances(ctx context.Context, subject model.Subject, todo []*pendingKey) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ReadConcurrency)
	for _, p := range todo {
		p := p
		g.Go(func() error {
			balance, err := r.target.Ledger.ReadBalance(gctx, subject, p.resource)
			if err != nil {
				if errors.Is(err, ledger.ErrReadFailed) {
					p.readErr = err
					return nil
				}
				return fmt.Errorf("read %s: %w", p.key, err)
			}
			p.balance = balance
			return nil
		})
	}
	return g.Wait()
}

func (r *run) decide(ctx context.Context, subject model.Subject, p *pendingKey) error {
	log := r.log.With("subject", subject, "resource", p.resource.String())

	if p.readErr != nil {
		r.result.ReadFailed++
		metrics.ReconciliationOutcomesTotal.WithLabelValues(r.chain, "READ_FAILED").Inc()
		log.Warn("balance unknown, skipping key", "error", p.readErr)
		return nil
	}
	if p.balance == nil || p.balance.Sign() <= 0 {
		return r.record(ctx, p.key, model.ProgressNoBalance, model.OutcomeMeta{}, false)
	}

	action, err := r.target.BuildAction(subject, p.resource)
	if err != nil {
		return &FatalError{Key: p.key, Err: fmt.Errorf("build action: %w", err)}
	}
	if r.actioned && r.cfg.ActionDelay > 0 {
		if err := r.sleep(ctx, r.cfg.ActionDelay); err != nil {
			return err
		}
	}
	r.actioned = true

	log.Info("balance found, executing action", "balance", p.balance.String(), "method", action.Method)
	out := r.exec.Execute(ctx, p.key, action)
	r.result.Submitted++

	switch out.Kind {
	case executor.KindCompleted:
		return r.record(ctx, p.key, model.ProgressCompleted, model.OutcomeMeta{
			TxHash: out.TxHash, BlockNumber: out.Receipt.BlockNumber,
		}, out.Journaled)
	case executor.KindRejected:
		meta := model.OutcomeMeta{TxHash: out.TxHash, Reason: out.Reason}
		return r.record(ctx, p.key, model.ProgressInsolvent, meta, out.Journaled)
	case executor.KindTimeout:
		return &FatalError{Key: p.key, TxHash: out.TxHash, Err: out.Err}
	default:
		return &FatalError{Key: p.key, TxHash: out.TxHash, Reason: out.Reason, Err: out.Err}
	}
}

// record writes the outcome, then drops the intent it resolves.
func (r *run) record(ctx context.Context, key model.ReconciliationKey, state model.ProgressState, meta model.OutcomeMeta, clearIntent bool) error {
	meta.RecordedAt = r.now().UTC()
	applied, err := r.store.RecordOutcome(ctx, key, state, meta)
	if err != nil {
		return fmt.Errorf("record %s for %s: %w", state, key, err)
	}
	if clearIntent {
		if err := r.store.ClearIntent(ctx, key); err != nil {
			return fmt.Errorf("clear intent %s: %w", key, err)
		}
	}

	r.result.count(state)
	metrics.ReconciliationOutcomesTotal.WithLabelValues(r.chain, state.String()).Inc()
	attrs := []any{"subject", key.Subject, "resource", key.Resource, "outcome", state.String()}
	if meta.TxHash != "" {
		attrs = append(attrs, "tx_hash", meta.TxHash)
	}
	if meta.Reason != "" {
		attrs = append(attrs, "reason", meta.Reason)
	}
	if !applied {
		attrs = append(attrs, "already_terminal", true)
	}
	r.log.Info("key decided", attrs...)
	return nil
}

func (r *run) finishOK(ctx context.Context) {
	res := r.result
	metrics.ReconciliationRunsTotal.WithLabelValues(r.chain, "success").Inc()
	metrics.ReconciliationConsecutiveFailures.WithLabelValues(r.chain).Set(0)

	h := r.health.For(r.target.Chain)
	if h.RecordSuccess(res) {
		_ = r.alerter.Send(ctx, alert.Alert{
			Kind:    alert.KindRecovered,
			Chain:   r.target.Chain,
			Network: r.target.Network,
			RunID:   res.RunID,
			Counts:  res.AlertCounts(),
		})
	}

	r.log.Info("reconciliation run finished", res.LogAttrs()...)
	if res.Completed+res.Insolvent > 0 {
		_ = r.alerter.Send(ctx, alert.Alert{
			Kind:    alert.KindRunSummary,
			Chain:   r.target.Chain,
			Network: r.target.Network,
			RunID:   res.RunID,
			Counts:  res.AlertCounts(),
		})
	}
}

func (r *run) finishFailed(ctx context.Context, err error) {
	res := r.result
	result := "aborted"
	if errors.Is(err, context.Canceled) {
		result = "canceled"
	}
	metrics.ReconciliationRunsTotal.WithLabelValues(r.chain, result).Inc()

	h := r.health.For(r.target.Chain)
	if h.RecordFailure(res) {
		_ = r.alerter.Send(context.WithoutCancel(ctx), alert.Alert{
			Kind:     alert.KindUnhealthy,
			Chain:    r.target.Chain,
			Network:  r.target.Network,
			RunID:    res.RunID,
			Failures: h.Snapshot().ConsecutiveFailures,
		})
	}
	metrics.ReconciliationConsecutiveFailures.WithLabelValues(r.chain).Set(float64(h.Snapshot().ConsecutiveFailures))

	r.log.Error("reconciliation run aborted", append(res.LogAttrs(), "error", err)...)
	if result == "canceled" {
		return
	}
	a := alert.Alert{
		Kind:    alert.KindRunAborted,
		Chain:   r.target.Chain,
		Network: r.target.Network,
		RunID:   res.RunID,
		Reason:  err.Error(),
		Counts:  res.AlertCounts(),
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		a.Key = fatal.Key.String()
		a.TxHash = fatal.TxHash
	}
	_ = r.alerter.Send(context.WithoutCancel(ctx), a)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

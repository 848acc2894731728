// Package tokensync copies token registrations and tiered debt coverage from
// one token manager to another, typically production into QA.
package tokensync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/executor"
	"github.com/ethereum/go-ethereum/common"
)

var tiers = []struct {
	name  string
	value uint8
}{
	{"BASIC", evm.TierBasic},
	{"PREMIUM", evm.TierPremium},
}

type Source interface {
	SupportedTokens(ctx context.Context) ([]common.Address, error)
	Symbol(ctx context.Context, token common.Address) ([32]byte, error)
	TieredDebtCoverage(ctx context.Context, tier uint8, token common.Address) (*big.Int, error)
}

// Destination is a Source that can also build the mutating calls.
type Destination interface {
	Source
	Address() common.Address
	AddTokenAssetsAction(assets []evm.TokenAsset) (model.Action, error)
	SetTieredDebtCoverageAction(tier uint8, token common.Address, value *big.Int) (model.Action, error)
}

type Executor interface {
	Execute(ctx context.Context, key model.ReconciliationKey, action model.Action) executor.Outcome
}

type token struct {
	address  common.Address
	symbol   [32]byte
	coverage [2]*big.Int
}

func (t token) name() string {
	return evm.Bytes32ToString(t.symbol)
}

type Result struct {
	SourceTokens       int
	ValidTokens        int
	Added              int
	Updated            int
	Matched            int
	DestinationTokens  int
	VerificationErrors int
}

func (r Result) LogAttrs() []any {
	return []any{
		"source_tokens", r.SourceTokens,
		"valid_tokens", r.ValidTokens,
		"added", r.Added,
		"updated", r.Updated,
		"matched", r.Matched,
		"destination_tokens", r.DestinationTokens,
		"verification_errors", r.VerificationErrors,
	}
}

type Syncer struct {
	chain  model.Chain
	source Source
	dest   Destination
	exec   Executor
	logger *slog.Logger
}

func NewSyncer(chain model.Chain, source Source, dest Destination, exec Executor, logger *slog.Logger) *Syncer {
	return &Syncer{
		chain:  chain,
		source: source,
		dest:   dest,
		exec:   exec,
		logger: logger.With("component", "tokensync", "chain", chain, "destination", dest.Address().Hex()),
	}
}

// Run registers tokens missing from the destination, then sets each tier
// coverage that differs from the source, then re-reads the destination to
// verify. Tokens whose source reads fail are left out of the sync.
func (s *Syncer) Run(ctx context.Context) (*Result, error) {
	res := &Result{}

	tokens, err := s.readSource(ctx, res)
	if err != nil {
		return res, err
	}

	existing, err := s.dest.SupportedTokens(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.logger.Warn("destination token list unreadable, treating it as empty", "error", err)
	}
	missing := missingTokens(tokens, existing)
	s.logger.Info("compared token lists", "missing", len(missing))

	if len(missing) > 0 {
		if err := s.addTokens(ctx, missing); err != nil {
			return res, err
		}
		res.Added = len(missing)
	}

	for _, t := range tokens {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.syncCoverage(ctx, t, res); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			s.logger.Error("coverage sync failed", "token", t.name(), "address", t.address.Hex(), "error", err)
		}
	}

	s.verify(ctx, tokens, res)
	s.logger.Info("token sync complete", res.LogAttrs()...)
	return res, nil
}

func (s *Syncer) readSource(ctx context.Context, res *Result) ([]token, error) {
	addresses, err := s.source.SupportedTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("read source tokens: %w", err)
	}
	res.SourceTokens = len(addresses)
	s.logger.Info("read source token list", "count", len(addresses))

	tokens := make([]token, 0, len(addresses))
	for i, addr := range addresses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := s.readToken(ctx, s.source, addr)
		if err != nil {
			s.logger.Error("read source token failed", "index", i+1, "address", addr.Hex(), "error", err)
			continue
		}
		s.logger.Debug("read source token",
			"token", t.name(),
			"address", addr.Hex(),
			"basic", t.coverage[0].String(),
			"premium", t.coverage[1].String(),
		)
		tokens = append(tokens, t)
	}
	res.ValidTokens = len(tokens)
	return tokens, nil
}

func (s *Syncer) readToken(ctx context.Context, src Source, addr common.Address) (token, error) {
	symbol, err := src.Symbol(ctx, addr)
	if err != nil {
		return token{}, fmt.Errorf("symbol: %w", err)
	}
	t := token{address: addr, symbol: symbol}
	for i, tier := range tiers {
		v, err := src.TieredDebtCoverage(ctx, tier.value, addr)
		if err != nil {
			return token{}, fmt.Errorf("%s coverage: %w", tier.name, err)
		}
		t.coverage[i] = v
	}
	return t, nil
}

func missingTokens(tokens []token, existing []common.Address) []token {
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		have[strings.ToLower(a.Hex())] = true
	}
	var missing []token
	for _, t := range tokens {
		if !have[strings.ToLower(t.address.Hex())] {
			missing = append(missing, t)
		}
	}
	return missing
}

// addTokens registers missing tokens in one call, using the BASIC coverage
// as their default debt coverage. A failure here stops the sync.
func (s *Syncer) addTokens(ctx context.Context, missing []token) error {
	assets := make([]evm.TokenAsset, len(missing))
	for i, t := range missing {
		assets[i] = evm.TokenAsset{Asset: t.symbol, AssetAddress: t.address, DebtCoverage: t.coverage[0]}
	}
	action, err := s.dest.AddTokenAssetsAction(assets)
	if err != nil {
		return err
	}
	out := s.exec.Execute(ctx, s.key("addTokenAssets"), action)
	if out.Kind != executor.KindCompleted {
		return fmt.Errorf("add %d token assets: %s: %w", len(missing), out.Kind, outcomeErr(out))
	}
	s.logger.Info("added token assets", "count", len(missing), "tx_hash", out.TxHash)
	return nil
}

func (s *Syncer) syncCoverage(ctx context.Context, t token, res *Result) error {
	for i, tier := range tiers {
		current, err := s.dest.TieredDebtCoverage(ctx, tier.value, t.address)
		if err != nil {
			return fmt.Errorf("read destination %s coverage: %w", tier.name, err)
		}
		want := t.coverage[i]
		if current.Cmp(want) == 0 {
			res.Matched++
			continue
		}
		action, err := s.dest.SetTieredDebtCoverageAction(tier.value, t.address, want)
		if err != nil {
			return err
		}
		out := s.exec.Execute(ctx, s.key(t.address.Hex()+"/"+tier.name), action)
		if out.Kind != executor.KindCompleted {
			return fmt.Errorf("set %s coverage: %s: %w", tier.name, out.Kind, outcomeErr(out))
		}
		res.Updated++
		s.logger.Info("updated tier coverage",
			"token", t.name(),
			"tier", tier.name,
			"from", current.String(),
			"to", want.String(),
			"tx_hash", out.TxHash,
		)
	}
	return nil
}

func (s *Syncer) verify(ctx context.Context, tokens []token, res *Result) {
	if final, err := s.dest.SupportedTokens(ctx); err == nil {
		res.DestinationTokens = len(final)
	} else {
		s.logger.Warn("read destination token list failed", "error", err)
	}
	for _, t := range tokens {
		got, err := s.readToken(ctx, s.dest, t.address)
		if err != nil {
			s.logger.Error("verification read failed", "address", t.address.Hex(), "error", err)
			res.VerificationErrors++
			continue
		}
		for i, tier := range tiers {
			if got.coverage[i].Cmp(t.coverage[i]) != 0 {
				s.logger.Warn("coverage still differs",
					"token", t.name(),
					"tier", tier.name,
					"source", t.coverage[i].String(),
					"destination", got.coverage[i].String(),
				)
				res.VerificationErrors++
				break
			}
		}
	}
}

// key identifies a sync write for the executor's intent journal.
func (s *Syncer) key(resource string) model.ReconciliationKey {
	return model.ReconciliationKey{
		Chain:    s.chain,
		Subject:  model.Subject(s.dest.Address().Hex()),
		Resource: resource,
	}
}

func outcomeErr(out executor.Outcome) error {
	if out.Err != nil {
		return out.Err
	}
	if out.Reason != "" {
		return errors.New(out.Reason)
	}
	return errors.New("no receipt")
}

// LogJournal satisfies executor.Journal by logging intents. A rerun
// re-reads the destination, so sync writes need no durable journal.
type LogJournal struct {
	Logger *slog.Logger
}

func (j LogJournal) RecordIntent(_ context.Context, intent model.PendingIntent) error {
	j.Logger.Info("sync transaction broadcast", "key", intent.Key.String(), "tx_hash", intent.TxHash, "nonce", intent.Nonce)
	return nil
}

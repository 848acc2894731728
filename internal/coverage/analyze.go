package coverage

import (
	"context"
	"fmt"
	"math/big"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm"
	"github.com/ethereum/go-ethereum/common"
)

var wad = big.NewInt(1e18)

type TokenCoverage struct {
	Symbol   string
	Address  common.Address
	Coverage *big.Int
}

type StakedCoverage struct {
	Identifier string
	Coverage   *big.Int
}

type Analysis struct {
	Regular []TokenCoverage
	Staked  []StakedCoverage
	// Failed counts assets whose reads failed and were skipped.
	Failed int
}

// Percent renders a 1e18 fixed-point coverage as a truncated whole
// percentage.
func Percent(coverage *big.Int) string {
	p := new(big.Int).Mul(coverage, big.NewInt(100))
	return p.Quo(p, wad).String() + "%"
}

// Analyze reads the current debt coverage of every token asset and every
// known staking identifier. Per-asset failures are logged and skipped.
func (a *Analyzer) Analyze(ctx context.Context) (*Analysis, error) {
	res := &Analysis{}
	regular, failed, err := a.regularCoverages(ctx)
	if err != nil {
		return nil, err
	}
	res.Regular = regular
	res.Failed += failed

	staked, failed, err := a.stakedCoverages(ctx)
	if err != nil {
		return nil, err
	}
	res.Staked = staked
	res.Failed += failed

	nonZero := 0
	for _, s := range res.Staked {
		if s.Coverage.Sign() != 0 {
			nonZero++
		}
	}
	a.logger.Info("debt coverage analysis complete",
		"regular", len(res.Regular),
		"staked", len(res.Staked),
		"staked_non_zero", nonZero,
		"failed", res.Failed,
	)
	return res, nil
}

func (a *Analyzer) regularCoverages(ctx context.Context) ([]TokenCoverage, int, error) {
	assets, err := a.tm.AllTokenAssets(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("read token assets: %w", err)
	}
	a.logger.Info("found token assets", "count", len(assets))

	var (
		out    []TokenCoverage
		failed int
	)
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		symbol := evm.Bytes32ToString(asset)
		address, err := a.tm.AssetAddress(ctx, asset)
		if err != nil {
			a.logger.Error("read asset address failed", "asset", symbol, "error", err)
			failed++
			continue
		}
		coverage, err := a.tm.DebtCoverage(ctx, address)
		if err != nil {
			a.logger.Error("read debt coverage failed", "asset", symbol, "address", address.Hex(), "error", err)
			failed++
			continue
		}
		out = append(out, TokenCoverage{Symbol: symbol, Address: address, Coverage: coverage})
	}
	return out, failed, nil
}

func (a *Analyzer) stakedCoverages(ctx context.Context) ([]StakedCoverage, int, error) {
	identifiers := a.Identifiers()
	a.logger.Info("checking staking identifiers", "count", len(identifiers))

	var (
		out    []StakedCoverage
		failed int
	)
	for _, id := range identifiers {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		label, err := evm.StringToBytes32(id)
		if err != nil {
			a.logger.Error("invalid staking identifier", "identifier", id, "error", err)
			failed++
			continue
		}
		coverage, err := a.tm.DebtCoverageStaked(ctx, label)
		if err != nil {
			a.logger.Error("read staked debt coverage failed", "identifier", id, "error", err)
			failed++
			continue
		}
		out = append(out, StakedCoverage{Identifier: id, Coverage: coverage})
	}
	return out, failed, nil
}

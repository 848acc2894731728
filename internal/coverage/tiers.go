package coverage

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// premiumMultiplier scales BASIC leverage into PREMIUM leverage.
const premiumMultiplier = 2

// exactCoverages pins the coverage for common whole leverages so they do not
// inherit float rounding.
var exactCoverages = map[int]string{
	4:  "800000000000000000",
	5:  "833333333333333333",
	8:  "888888888888888888",
	10: "909090909090909090",
}

// TierEntry is one asset in a tier document. Regular entries carry Symbol,
// staked entries carry Identifier.
type TierEntry struct {
	Symbol                string `json:"symbol,omitempty"`
	Identifier            string `json:"identifier,omitempty"`
	Leverage              string `json:"leverage"`
	DebtCoverage          string `json:"debtCoverage"`
	DebtCoverageFormatted string `json:"debtCoverageFormatted"`
}

// TierFile is keyed by token address (regular) and by the hex bytes32
// identifier (staked).
type TierFile struct {
	Regular map[string]TierEntry `json:"regular"`
	Staked  map[string]TierEntry `json:"staked"`
}

func newTierFile() *TierFile {
	return &TierFile{Regular: map[string]TierEntry{}, Staked: map[string]TierEntry{}}
}

// Leverage converts a 1e18 fixed-point debt coverage into leverage,
// dc / (1 - dc).
func Leverage(coverage *big.Int) (float64, error) {
	if coverage.Sign() < 0 || coverage.Cmp(wad) >= 0 {
		return 0, fmt.Errorf("debt coverage %s outside [0, 1e18)", coverage)
	}
	dc, _ := new(big.Float).Quo(new(big.Float).SetInt(coverage), new(big.Float).SetInt(wad)).Float64()
	return dc / (1 - dc), nil
}

// CoverageForLeverage converts leverage back into a 1e18 fixed-point debt
// coverage, l / (l + 1), snapping to exactCoverages within 0.01.
func CoverageForLeverage(leverage float64) (*big.Int, error) {
	rounded := int(math.Round(leverage))
	if exact, ok := exactCoverages[rounded]; ok && math.Abs(leverage-float64(rounded)) < 0.01 {
		v, _ := new(big.Int).SetString(exact, 10)
		return v, nil
	}
	return parseWad(strconv.FormatFloat(leverage/(leverage+1), 'f', -1, 64))
}

// parseWad parses a decimal string into 1e18 fixed point, truncating digits
// past the 18th decimal.
func parseWad(s string) (*big.Int, error) {
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 18 {
		frac = frac[:18]
	}
	frac += strings.Repeat("0", 18-len(frac))
	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	return v, nil
}

func formatLeverage(l float64) string {
	return strconv.FormatFloat(l, 'f', 2, 64)
}

func tierEntry(leverage float64, coverage *big.Int) TierEntry {
	return TierEntry{
		Leverage:              formatLeverage(leverage),
		DebtCoverage:          coverage.String(),
		DebtCoverageFormatted: Percent(coverage),
	}
}

// TierPlan holds the computed documents for both tiers.
type TierPlan struct {
	Basic   *TierFile
	Premium *TierFile
	// Skipped lists assets whose coverage has no finite leverage.
	Skipped []string
}

// PlanTiers derives BASIC (current leverage) and PREMIUM (doubled leverage)
// values for every asset with a non-zero coverage below 1e18.
func PlanTiers(analysis *Analysis) (*TierPlan, error) {
	plan := &TierPlan{Basic: newTierFile(), Premium: newTierFile()}
	for _, t := range analysis.Regular {
		if t.Coverage.Sign() == 0 {
			continue
		}
		basic, premium, err := tierPair(t.Coverage)
		if err != nil {
			plan.Skipped = append(plan.Skipped, t.Symbol)
			continue
		}
		basic.Symbol, premium.Symbol = t.Symbol, t.Symbol
		plan.Basic.Regular[t.Address.Hex()] = basic
		plan.Premium.Regular[t.Address.Hex()] = premium
	}
	for _, s := range analysis.Staked {
		if s.Coverage.Sign() == 0 {
			continue
		}
		label, err := evm.StringToBytes32(s.Identifier)
		if err != nil {
			return nil, err
		}
		basic, premium, err := tierPair(s.Coverage)
		if err != nil {
			plan.Skipped = append(plan.Skipped, s.Identifier)
			continue
		}
		basic.Identifier, premium.Identifier = s.Identifier, s.Identifier
		key := hexutil.Encode(label[:])
		plan.Basic.Staked[key] = basic
		plan.Premium.Staked[key] = premium
	}
	return plan, nil
}

func tierPair(coverage *big.Int) (TierEntry, TierEntry, error) {
	leverage, err := Leverage(coverage)
	if err != nil {
		return TierEntry{}, TierEntry{}, err
	}
	premiumLeverage := leverage * premiumMultiplier
	premiumCoverage, err := CoverageForLeverage(premiumLeverage)
	if err != nil {
		return TierEntry{}, TierEntry{}, err
	}
	return tierEntry(leverage, coverage), tierEntry(premiumLeverage, premiumCoverage), nil
}

// Calculate analyzes current coverages, plans both tiers and writes the tier
// documents.
func (a *Analyzer) Calculate(ctx context.Context) (*TierPlan, error) {
	analysis, err := a.Analyze(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := PlanTiers(analysis)
	if err != nil {
		return nil, fmt.Errorf("plan tiers: %w", err)
	}
	if len(plan.Skipped) > 0 {
		a.logger.Warn("skipped assets without a finite leverage", "assets", plan.Skipped)
	}
	for _, tier := range Tiers {
		file := plan.Basic
		if tier.Value == evm.TierPremium {
			file = plan.Premium
		}
		if err := writeJSON(a.path(tier.File), file); err != nil {
			return nil, err
		}
		a.logger.Info("saved tier coverages",
			"tier", tier.Name,
			"file", tier.File,
			"regular", len(file.Regular),
			"staked", len(file.Staked),
		)
	}
	return plan, nil
}

func (a *Analyzer) loadTier(tier Tier) (*TierFile, error) {
	file := newTierFile()
	if err := readJSON(a.path(tier.File), file); err != nil {
		return nil, err
	}
	return file, nil
}

package coverage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type Mismatch struct {
	Tier       string `json:"tier"`
	Type       string `json:"type"`
	Asset      string `json:"asset"`
	Address    string `json:"address,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Expected   string `json:"expected"`
	OnChain    string `json:"onChain"`
	Matches    bool   `json:"matches"`
}

type VerificationSummary struct {
	TotalChecked    int    `json:"totalChecked"`
	TotalMatches    int    `json:"totalMatches"`
	TotalMismatches int    `json:"totalMismatches"`
	SuccessRate     string `json:"successRate"`
}

type VerificationReport struct {
	Timestamp time.Time           `json:"timestamp"`
	Summary   VerificationSummary `json:"summary"`
	Details   []Mismatch          `json:"details"`
	// Errors counts entries whose on-chain read failed; they are not
	// counted as checked.
	Errors int `json:"-"`
}

func (r *VerificationReport) OK() bool {
	return r.Summary.TotalMismatches == 0 && r.Errors == 0
}

func (r *VerificationReport) observe(m Mismatch) {
	r.Summary.TotalChecked++
	if m.Matches {
		r.Summary.TotalMatches++
		return
	}
	r.Summary.TotalMismatches++
	r.Details = append(r.Details, m)
}

func successRate(matches, checked int) string {
	if checked == 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", float64(matches)*100/float64(checked))
}

// Verify compares on-chain tiered coverages with the tier documents and
// writes ReportFile.
func (a *Analyzer) Verify(ctx context.Context) (*VerificationReport, error) {
	report := &VerificationReport{Details: []Mismatch{}}
	for _, tier := range Tiers {
		file, err := a.loadTier(tier)
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.Error("tier document not found, run calculate first", "tier", tier.Name, "file", tier.File)
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := a.verifyTier(ctx, tier, file, report); err != nil {
			return nil, err
		}
	}

	report.Timestamp = a.now().UTC()
	report.Summary.SuccessRate = successRate(report.Summary.TotalMatches, report.Summary.TotalChecked)
	if err := writeJSON(a.path(ReportFile), report); err != nil {
		return nil, err
	}

	log := a.logger.With(
		"checked", report.Summary.TotalChecked,
		"matches", report.Summary.TotalMatches,
		"mismatches", report.Summary.TotalMismatches,
		"errors", report.Errors,
		"file", ReportFile,
	)
	if report.OK() {
		log.Info("all tier coverages match on-chain values")
	} else {
		log.Warn("tier coverage verification found issues")
	}
	return report, nil
}

func (a *Analyzer) verifyTier(ctx context.Context, tier Tier, file *TierFile, report *VerificationReport) error {
	before := report.Summary
	for _, addr := range sortedKeys(file.Regular) {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := file.Regular[addr]
		onChain, err := a.tm.TieredDebtCoverage(ctx, tier.Value, common.HexToAddress(addr))
		if err != nil {
			a.logger.Error("read tiered debt coverage failed", "tier", tier.Name, "asset", entry.Symbol, "error", err)
			report.Errors++
			continue
		}
		report.observe(a.compare(tier, entry, onChain, Mismatch{
			Type:    "token",
			Asset:   entry.Symbol,
			Address: addr,
		}))
	}
	for _, key := range sortedKeys(file.Staked) {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := file.Staked[key]
		raw, err := hexutil.Decode(key)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("%s: invalid staked identifier key %q", tier.File, key)
		}
		var label [32]byte
		copy(label[:], raw)
		onChain, err := a.tm.TieredDebtCoverageStaked(ctx, tier.Value, label)
		if err != nil {
			a.logger.Error("read tiered staked debt coverage failed", "tier", tier.Name, "asset", entry.Identifier, "error", err)
			report.Errors++
			continue
		}
		report.observe(a.compare(tier, entry, onChain, Mismatch{
			Type:       "staked",
			Asset:      entry.Identifier,
			Identifier: key,
		}))
	}
	a.logger.Info("verified tier",
		"tier", tier.Name,
		"matches", report.Summary.TotalMatches-before.TotalMatches,
		"mismatches", report.Summary.TotalMismatches-before.TotalMismatches,
	)
	return nil
}

func (a *Analyzer) compare(tier Tier, entry TierEntry, onChain *big.Int, m Mismatch) Mismatch {
	m.Tier = tier.Name
	m.Expected = entry.DebtCoverage
	m.OnChain = onChain.String()
	expected, ok := new(big.Int).SetString(entry.DebtCoverage, 10)
	m.Matches = ok && expected.Cmp(onChain) == 0
	if !m.Matches {
		a.logger.Warn("tier coverage mismatch",
			"tier", tier.Name,
			"asset", m.Asset,
			"expected", entry.DebtCoverageFormatted,
			"on_chain", Percent(onChain),
		)
	}
	return m
}

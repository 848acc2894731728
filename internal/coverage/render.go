package coverage

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
}

// RenderAnalysis lays out both coverage groups as tables.
func RenderAnalysis(res *Analysis) string {
	regular := newTable("SYMBOL", "ADDRESS", "COVERAGE")
	for _, t := range res.Regular {
		regular.Row(t.Symbol, t.Address.Hex(), Percent(t.Coverage))
	}
	staked := newTable("IDENTIFIER", "COVERAGE")
	for _, s := range res.Staked {
		coverage := Percent(s.Coverage)
		if s.Coverage.Sign() == 0 {
			coverage = "NOT SET (0%)"
		}
		staked.Row(s.Identifier, coverage)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		"Regular token debt coverages", regular.String(),
		"", "Staked asset debt coverages", staked.String())
}

// RenderPlan shows the BASIC and PREMIUM leverage of every planned asset.
func RenderPlan(plan *TierPlan) string {
	t := newTable("ASSET", "BASIC", "PREMIUM", "PREMIUM COVERAGE")
	for _, key := range sortedKeys(plan.Basic.Regular) {
		basic, premium := plan.Basic.Regular[key], plan.Premium.Regular[key]
		t.Row(basic.Symbol, basic.Leverage+"x", premium.Leverage+"x", premium.DebtCoverageFormatted)
	}
	for _, key := range sortedKeys(plan.Basic.Staked) {
		basic, premium := plan.Basic.Staked[key], plan.Premium.Staked[key]
		t.Row(basic.Identifier, basic.Leverage+"x", premium.Leverage+"x", premium.DebtCoverageFormatted)
	}
	return t.String()
}

func RenderReport(r *VerificationReport) string {
	summary := newTable("CHECKED", "MATCHES", "MISMATCHES", "SUCCESS RATE").
		Row(strconv.Itoa(r.Summary.TotalChecked), strconv.Itoa(r.Summary.TotalMatches), strconv.Itoa(r.Summary.TotalMismatches), r.Summary.SuccessRate)
	if len(r.Details) == 0 {
		return summary.String()
	}
	details := newTable("TIER", "TYPE", "ASSET", "EXPECTED", "ON-CHAIN")
	for _, d := range r.Details {
		details.Row(d.Tier, d.Type, d.Asset, d.Expected, d.OnChain)
	}
	return lipgloss.JoinVertical(lipgloss.Left, summary.String(), details.String())
}

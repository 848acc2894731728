package main

import (
	"fmt"
	"io"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/coverage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func newCoverageCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Analyze and plan token manager debt coverage (default: analyze)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.coverageAnalyze(cmd)
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "analyze",
			Short: "Print the current regular and staked debt coverages",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.coverageAnalyze(cmd)
			},
		},
		&cobra.Command{
			Use:   "fetch",
			Short: "Collect staked position identifiers from every prime account",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				analyzer, err := a.newAnalyzer()
				if err != nil {
					return err
				}
				ids, err := analyzer.FetchIdentifiers(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d staking identifiers written to %s\n", len(ids), coverage.IdentifiersFile)
				return nil
			},
		},
		&cobra.Command{
			Use:   "calculate",
			Short: "Write BASIC and PREMIUM tier coverage documents",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				analyzer, err := a.newAnalyzer()
				if err != nil {
					return err
				}
				plan, err := analyzer.Calculate(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), coverage.RenderPlan(plan))
				return nil
			},
		},
		&cobra.Command{
			Use:   "multisig",
			Short: "Generate Safe transaction batches from the tier documents",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				analyzer, err := a.newAnalyzer()
				if err != nil {
					return err
				}
				files, err := analyzer.GenerateMultisig()
				if err != nil {
					return err
				}
				if len(files) == 0 {
					return fmt.Errorf("no tier documents found, run calculate first")
				}
				printLines(cmd.OutOrStdout(), files)
				return nil
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Compare on-chain tier coverages with the tier documents",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				analyzer, err := a.newAnalyzer()
				if err != nil {
					return err
				}
				report, err := analyzer.Verify(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), coverage.RenderReport(report))
				if !report.OK() {
					return fmt.Errorf("verification found %d mismatches and %d read errors", report.Summary.TotalMismatches, report.Errors)
				}
				return nil
			},
		},
	)
	return cmd
}

func (a *app) coverageAnalyze(cmd *cobra.Command) error {
	analyzer, err := a.newAnalyzer()
	if err != nil {
		return err
	}
	analysis, err := analyzer.Analyze(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), coverage.RenderAnalysis(analysis))
	return nil
}

// newAnalyzer builds a read-only analyzer. No RPC traffic happens until a
// method needs the chain.
func (a *app) newAnalyzer() (*coverage.Analyzer, error) {
	cc := a.cfg.Coverage
	if !common.IsHexAddress(cc.TokenManager) {
		return nil, fmt.Errorf("coverage: invalid token manager address %q", cc.TokenManager)
	}
	client, err := a.chainClient(string(cc.Chain), nil)
	if err != nil {
		return nil, err
	}
	tm := evm.NewTokenManager(client, common.HexToAddress(cc.TokenManager))
	return coverage.NewAnalyzer(tm, client, coverage.Config{
		WorkDir:          cc.WorkDir,
		TokenManager:     tm.Address(),
		SafeChainID:      cc.SafeChainID,
		KnownIdentifiers: cc.KnownIdentifiers,
		BatchSize:        a.cfg.Engine.BatchSize,
	}, a.logger), nil
}

func printLines(w io.Writer, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

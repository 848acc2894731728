package main

import (
	"fmt"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/benchmarks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func newBenchmarksCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "benchmarks",
		Short: "Print GMX position benchmarks for the configured markets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bc := a.cfg.Benchmarks
			if !common.IsHexAddress(bc.Reader) {
				return fmt.Errorf("benchmarks: invalid reader address %q", bc.Reader)
			}
			client, err := a.chainClient(string(bc.Chain), nil)
			if err != nil {
				return err
			}
			entries, err := benchmarks.Query(cmd.Context(), client, common.HexToAddress(bc.Reader), bc.Markets, a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), benchmarks.Render(entries))
			return nil
		},
	}
}

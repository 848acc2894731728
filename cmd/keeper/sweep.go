package main

import (
	"context"
	"fmt"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress/backend"
	"github.com/spf13/cobra"
)

func newSweepCommand(a *app) *cobra.Command {
	var chain string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass",
		Long:  "Sweeps every configured resource for every prime account, resuming from recorded progress.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSweep(cmd.Context(), chain)
		},
	}
	cmd.Flags().StringVar(&chain, "chain", "", "reconcile only this chain (default: every configured chain)")
	return cmd
}

func (a *app) runSweep(ctx context.Context, chain string) error {
	key, err := a.cfg.SigningKey()
	if err != nil {
		return err
	}
	targets, err := a.reconciliationTargets(chain, key)
	if err != nil {
		return err
	}

	shutdownTracing := a.initTracing(ctx)
	defer shutdownTracing()

	store, err := backend.Open(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("open progress store: %w", err)
	}
	defer a.closeStore(store)

	locker, closeLocker, err := a.openLocker(ctx)
	if err != nil {
		return fmt.Errorf("open locker: %w", err)
	}
	defer closeLocker()

	engine, err := a.newEngine(store, locker)
	if err != nil {
		return err
	}
	results, err := engine.RunAll(ctx, targets)
	if err != nil {
		return err
	}
	unresolved := 0
	for _, r := range results {
		unresolved += r.Unresolved()
	}
	a.logger.Info("sweep finished", "chains", len(results), "unresolved", unresolved)
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/executor"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/tokensync"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func newTokenSyncCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tokensync",
		Short: "Copy token registrations and tier coverages between token managers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTokenSync(cmd.Context())
		},
	}
}

func (a *app) runTokenSync(ctx context.Context) error {
	sc := a.cfg.TokenSync
	if !common.IsHexAddress(sc.Source) || !common.IsHexAddress(sc.Destination) {
		return fmt.Errorf("tokensync: invalid source %q or destination %q", sc.Source, sc.Destination)
	}
	key, err := a.cfg.SigningKey()
	if err != nil {
		return err
	}
	rejections, err := a.cfg.RejectionSet()
	if err != nil {
		return err
	}
	client, err := a.chainClient(string(sc.Chain), key)
	if err != nil {
		return err
	}

	source := evm.NewTokenManager(client, common.HexToAddress(sc.Source))
	dest := evm.NewTokenManager(client, common.HexToAddress(sc.Destination))
	exec := executor.New(client, tokensync.LogJournal{Logger: a.logger}, executor.Config{
		MinConfirmations: a.cfg.Engine.MinConfirmations,
		Rejections:       rejections,
	}, a.logger)

	res, err := tokensync.NewSyncer(sc.Chain, source, dest, exec, a.logger).Run(ctx)
	if err != nil {
		return err
	}
	if res.VerificationErrors > 0 {
		return fmt.Errorf("tokensync: %d tokens still differ after sync", res.VerificationErrors)
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress/backend"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func newProgressCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect the progress store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "summary",
			Short: "Print outcome counts and known subjects per chain",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withReader(cmd.Context(), func(store progress.Store) error {
					summary, err := store.Summary(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), renderSummary(summary))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get <chain-subject-resource>",
			Short: "Print the record and pending intent for one key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := model.ParseKey(args[0])
				if err != nil {
					return err
				}
				return a.withReader(cmd.Context(), func(store progress.Store) error {
					return printKey(cmd.Context(), cmd.OutOrStdout(), store, key)
				})
			},
		},
	)
	return cmd
}

func (a *app) withReader(ctx context.Context, fn func(progress.Store) error) error {
	store, err := backend.OpenReader(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("open progress store: %w", err)
	}
	defer a.closeStore(store)
	return fn(store)
}

type keyView struct {
	Key           string                `json:"key"`
	Record        *model.ProgressRecord `json:"record"`
	PendingIntent *model.PendingIntent  `json:"pendingIntent,omitempty"`
}

func printKey(ctx context.Context, w io.Writer, store progress.Store, key model.ReconciliationKey) error {
	rec, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	intent, err := store.PendingIntent(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil && intent == nil {
		return fmt.Errorf("no progress recorded for %s", key)
	}
	out, err := json.MarshalIndent(keyView{Key: key.String(), Record: rec, PendingIntent: intent}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func renderSummary(s progress.Summary) string {
	counts := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("COMPLETED", "INSOLVENT", "NO BALANCE", "PENDING INTENTS", "LAST WRITE").
		Row(
			strconv.Itoa(s.Completed),
			strconv.Itoa(s.Insolvent),
			strconv.Itoa(s.NoBalance),
			strconv.Itoa(s.PendingIntents),
			lastWrite(s.LastWrite),
		)

	chains := make([]string, 0, len(s.Subjects))
	for c := range s.Subjects {
		chains = append(chains, string(c))
	}
	sort.Strings(chains)
	subjects := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CHAIN", "SUBJECTS")
	for _, c := range chains {
		subjects.Row(c, strconv.Itoa(s.Subjects[model.Chain(c)]))
	}
	return lipgloss.JoinVertical(lipgloss.Left, counts.String(), subjects.String())
}

func lastWrite(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

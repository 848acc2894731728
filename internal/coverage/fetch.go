package coverage

import (
	"context"
	"fmt"
)

// FetchIdentifiers scans every account's staked positions, in batches, and
// saves the sorted union of identifiers to IdentifiersFile. Accounts whose
// read fails are ignored.
func (a *Analyzer) FetchIdentifiers(ctx context.Context) ([]string, error) {
	stream, err := a.accounts.EnumerateSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate accounts: %w", err)
	}
	batches := (stream.Len() + a.cfg.BatchSize - 1) / a.cfg.BatchSize
	a.logger.Info("fetching staking identifiers", "accounts", stream.Len(), "batches", batches)

	set := make(map[string]struct{})
	for batch := 0; ; batch++ {
		accounts := stream.NextBatch(a.cfg.BatchSize)
		if len(accounts) == 0 {
			break
		}
		if batch > 0 {
			if err := a.sleep(ctx, a.cfg.BatchDelay); err != nil {
				return nil, err
			}
		}

		ids, errs, err := a.accounts.StakedIdentifiers(ctx, accounts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Warn("staked positions batch failed", "batch", batch+1, "error", err)
			continue
		}
		found, skipped := 0, 0
		for i := range accounts {
			if errs[i] != nil {
				skipped++
				continue
			}
			for _, id := range ids[i] {
				set[id] = struct{}{}
				found++
			}
		}
		a.logger.Info("processed account batch",
			"batch", batch+1,
			"batches", batches,
			"identifiers", found,
			"skipped_accounts", skipped,
		)
	}

	identifiers := sortedKeys(set)
	if err := writeJSON(a.path(IdentifiersFile), identifiers); err != nil {
		return nil, err
	}
	a.logger.Info("saved staking identifiers", "file", IdentifiersFile, "count", len(identifiers))
	return identifiers, nil
}

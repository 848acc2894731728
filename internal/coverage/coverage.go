// Package coverage inspects and plans token manager debt coverage settings.
//
// Every mode reads the live token manager; calculate, multisig and verify
// exchange state through JSON documents in the working directory so the
// generated multisig batches can be reviewed before anyone signs them.
package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
)

const (
	IdentifiersFile  = "staking_identifiers.json"
	ReportFile       = "verification_report.json"
	DefaultBatchSize = 100
	defaultDelay     = 100 * time.Millisecond
)

// TokenManager is the read surface of the token manager contract.
type TokenManager interface {
	AllTokenAssets(ctx context.Context) ([][32]byte, error)
	AssetAddress(ctx context.Context, asset [32]byte) (common.Address, error)
	DebtCoverage(ctx context.Context, token common.Address) (*big.Int, error)
	DebtCoverageStaked(ctx context.Context, identifier [32]byte) (*big.Int, error)
	TieredDebtCoverage(ctx context.Context, tier uint8, token common.Address) (*big.Int, error)
	TieredDebtCoverageStaked(ctx context.Context, tier uint8, identifier [32]byte) (*big.Int, error)
}

// Accounts enumerates prime accounts and their staked positions.
type Accounts interface {
	EnumerateSubjects(ctx context.Context) (*ledger.SubjectStream, error)
	StakedIdentifiers(ctx context.Context, accounts []model.Subject) ([][]string, []error, error)
}

type Config struct {
	WorkDir      string
	TokenManager common.Address
	// SafeChainID is written into generated Safe batches.
	SafeChainID      string
	KnownIdentifiers []string
	BatchSize        int
	// BatchDelay separates account batches during fetch.
	BatchDelay time.Duration
}

// Tier describes one leverage tier and the document holding its values.
type Tier struct {
	Name  string
	File  string
	Value uint8
}

var Tiers = []Tier{
	{Name: "BASIC", File: "basic_tier_coverages.json", Value: evm.TierBasic},
	{Name: "PREMIUM", File: "premium_tier_coverages.json", Value: evm.TierPremium},
}

type Analyzer struct {
	tm       TokenManager
	accounts Accounts
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewAnalyzer(tm TokenManager, accounts Accounts, cfg Config, logger *slog.Logger) *Analyzer {
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = defaultDelay
	}
	return &Analyzer{
		tm:       tm,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger.With("component", "coverage"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func (a *Analyzer) path(name string) string {
	return filepath.Join(a.cfg.WorkDir, name)
}

// Identifiers merges the configured identifiers with the fetched ones,
// sorted and deduplicated. A missing or unreadable identifiers file only
// drops the fetched part.
func (a *Analyzer) Identifiers() []string {
	set := make(map[string]struct{})
	for _, id := range a.cfg.KnownIdentifiers {
		set[id] = struct{}{}
	}
	var saved []string
	if err := readJSON(a.path(IdentifiersFile), &saved); err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn("could not load staking identifiers", "file", IdentifiersFile, "error", err)
	}
	for _, id := range saved {
		set[id] = struct{}{}
	}
	return sortedKeys(set)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package coverage

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"strconv"
	"strings"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	safeBatchVersion = "1.0"
	txBuilderVersion = "1.17.1"
	tierInternalType = "enum LeverageTierLib.LeverageTier"
)

// SafeBatch is the Safe transaction builder import format.
type SafeBatch struct {
	Version      string            `json:"version"`
	ChainID      string            `json:"chainId"`
	CreatedAt    int64             `json:"createdAt"`
	Meta         SafeMeta          `json:"meta"`
	Transactions []SafeTransaction `json:"transactions"`
}

type SafeMeta struct {
	Name                    string `json:"name"`
	Description             string `json:"description"`
	TxBuilderVersion        string `json:"txBuilderVersion"`
	CreatedFromSafeAddress  string `json:"createdFromSafeAddress"`
	CreatedFromOwnerAddress string `json:"createdFromOwnerAddress"`
	Checksum                string `json:"checksum"`
}

type SafeTransaction struct {
	To                   string            `json:"to"`
	Value                string            `json:"value"`
	Data                 string            `json:"data"`
	ContractMethod       SafeMethod        `json:"contractMethod"`
	ContractInputsValues map[string]string `json:"contractInputsValues"`
}

type SafeMethod struct {
	Inputs  []SafeInput `json:"inputs"`
	Name    string      `json:"name"`
	Payable bool        `json:"payable"`
}

type SafeInput struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	InternalType string `json:"internalType"`
}

var (
	setCoverageMethod = SafeMethod{
		Name: "setTieredDebtCoverage",
		Inputs: []SafeInput{
			{Name: "tier", Type: "uint8", InternalType: tierInternalType},
			{Name: "tokenAddress", Type: "address", InternalType: "address"},
			{Name: "debtCoverageValue", Type: "uint256", InternalType: "uint256"},
		},
	}
	setCoverageStakedMethod = SafeMethod{
		Name: "setTieredDebtCoverageStaked",
		Inputs: []SafeInput{
			{Name: "tier", Type: "uint8", InternalType: tierInternalType},
			{Name: "stakedAsset", Type: "bytes32", InternalType: "bytes32"},
			{Name: "debtCoverageValue", Type: "uint256", InternalType: "uint256"},
		},
	}
)

// SafeBatchFile names the generated batch for tier.
func SafeBatchFile(tier Tier) string {
	return strings.ToLower(tier.Name) + "_tier_gnosis_safe.json"
}

// BuildSafeBatch encodes one setTieredDebtCoverage(Staked) call per entry of
// file. Regular entries come first, each group in key order.
func BuildSafeBatch(tier Tier, file *TierFile, tokenManager common.Address, chainID string, createdAt int64) (*SafeBatch, error) {
	to := tokenManager.Hex()
	tierValue := strconv.Itoa(int(tier.Value))
	txs := make([]SafeTransaction, 0, len(file.Regular)+len(file.Staked))

	for _, addr := range sortedKeys(file.Regular) {
		entry := file.Regular[addr]
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid token address %q", addr)
		}
		value, err := parseCoverage(entry)
		if err != nil {
			return nil, err
		}
		data, err := evm.SetTieredDebtCoverageCall(tier.Value, common.HexToAddress(addr), value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", entry.Symbol, err)
		}
		txs = append(txs, SafeTransaction{
			To:             to,
			Value:          "0",
			Data:           hexutil.Encode(data),
			ContractMethod: setCoverageMethod,
			ContractInputsValues: map[string]string{
				"tier":              tierValue,
				"tokenAddress":      addr,
				"debtCoverageValue": entry.DebtCoverage,
			},
		})
	}

	for _, key := range sortedKeys(file.Staked) {
		entry := file.Staked[key]
		raw, err := hexutil.Decode(key)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("invalid staked identifier key %q", key)
		}
		var label [32]byte
		copy(label[:], raw)
		value, err := parseCoverage(entry)
		if err != nil {
			return nil, err
		}
		data, err := evm.SetTieredDebtCoverageStakedCall(tier.Value, label, value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", entry.Identifier, err)
		}
		txs = append(txs, SafeTransaction{
			To:             to,
			Value:          "0",
			Data:           hexutil.Encode(data),
			ContractMethod: setCoverageStakedMethod,
			ContractInputsValues: map[string]string{
				"tier":              tierValue,
				"stakedAsset":       key,
				"debtCoverageValue": entry.DebtCoverage,
			},
		})
	}

	return &SafeBatch{
		Version:   safeBatchVersion,
		ChainID:   chainID,
		CreatedAt: createdAt,
		Meta: SafeMeta{
			Name:             tier.Name + " Tier Debt Coverage Settings",
			Description:      "Set " + tier.Name + " tier debt coverage values for tokens and staked assets",
			TxBuilderVersion: txBuilderVersion,
		},
		Transactions: txs,
	}, nil
}

func parseCoverage(entry TierEntry) (*big.Int, error) {
	v, ok := new(big.Int).SetString(entry.DebtCoverage, 10)
	if !ok {
		return nil, fmt.Errorf("invalid debt coverage %q for %s%s", entry.DebtCoverage, entry.Symbol, entry.Identifier)
	}
	return v, nil
}

// GenerateMultisig writes a Safe batch for every tier document present. A
// missing tier document is logged and skipped.
func (a *Analyzer) GenerateMultisig() ([]string, error) {
	var written []string
	for _, tier := range Tiers {
		file, err := a.loadTier(tier)
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.Error("tier document not found, run calculate first", "tier", tier.Name, "file", tier.File)
			continue
		}
		if err != nil {
			return written, err
		}
		batch, err := BuildSafeBatch(tier, file, a.cfg.TokenManager, a.cfg.SafeChainID, a.now().UnixMilli())
		if err != nil {
			return written, fmt.Errorf("build %s batch: %w", tier.Name, err)
		}
		name := SafeBatchFile(tier)
		if err := writeJSON(a.path(name), batch); err != nil {
			return written, err
		}
		written = append(written, name)
		a.logger.Info("saved safe batch", "tier", tier.Name, "file", name, "transactions", len(batch.Transactions))
	}
	return written, nil
}

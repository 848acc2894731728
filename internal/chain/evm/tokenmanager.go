package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Leverage tiers as encoded in LeverageTierLib.LeverageTier.
const (
	TierBasic   uint8 = 0
	TierPremium uint8 = 1
)

// TokenManager reads and encodes calls against one token manager contract.
type TokenManager struct {
	client  *Client
	address common.Address
}

func NewTokenManager(client *Client, address common.Address) *TokenManager {
	return &TokenManager{client: client, address: address}
}

func (m *TokenManager) Address() common.Address {
	return m.address
}

func (m *TokenManager) call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	out, err := m.client.CallContract(ctx, m.address, TokenManagerABI, method, args...)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (m *TokenManager) uint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := m.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out, new(*big.Int)).(**big.Int), nil
}

// AllTokenAssets returns the bytes32 labels of every registered asset.
func (m *TokenManager) AllTokenAssets(ctx context.Context) ([][32]byte, error) {
	out, err := m.call(ctx, "getAllTokenAssets")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out, new([][32]byte)).(*[][32]byte), nil
}

func (m *TokenManager) SupportedTokens(ctx context.Context) ([]common.Address, error) {
	out, err := m.call(ctx, "getSupportedTokensAddresses")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out, new([]common.Address)).(*[]common.Address), nil
}

// AssetAddress resolves an asset label, including inactive assets.
func (m *TokenManager) AssetAddress(ctx context.Context, asset [32]byte) (common.Address, error) {
	out, err := m.call(ctx, "getAssetAddress", asset, true)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out, new(common.Address)).(*common.Address), nil
}

func (m *TokenManager) Symbol(ctx context.Context, token common.Address) ([32]byte, error) {
	out, err := m.call(ctx, "tokenAddressToSymbol", token)
	if err != nil {
		return [32]byte{}, err
	}
	return *abi.ConvertType(out, new([32]byte)).(*[32]byte), nil
}

func (m *TokenManager) DebtCoverage(ctx context.Context, token common.Address) (*big.Int, error) {
	return m.uint(ctx, "debtCoverage", token)
}

func (m *TokenManager) DebtCoverageStaked(ctx context.Context, identifier [32]byte) (*big.Int, error) {
	return m.uint(ctx, "debtCoverageStaked", identifier)
}

func (m *TokenManager) TieredDebtCoverage(ctx context.Context, tier uint8, token common.Address) (*big.Int, error) {
	return m.uint(ctx, "tieredDebtCoverage", tier, token)
}

func (m *TokenManager) TieredDebtCoverageStaked(ctx context.Context, tier uint8, identifier [32]byte) (*big.Int, error) {
	return m.uint(ctx, "tieredDebtCoverageStaked", tier, identifier)
}

// SetTieredDebtCoverageAction targets this token manager.
func (m *TokenManager) SetTieredDebtCoverageAction(tier uint8, token common.Address, value *big.Int) (model.Action, error) {
	data, err := SetTieredDebtCoverageCall(tier, token, value)
	if err != nil {
		return model.Action{}, err
	}
	return model.Action{Target: m.address.Hex(), Calldata: data, Method: "setTieredDebtCoverage"}, nil
}

func (m *TokenManager) AddTokenAssetsAction(assets []TokenAsset) (model.Action, error) {
	data, err := TokenManagerABI.Pack("addTokenAssets", assets)
	if err != nil {
		return model.Action{}, fmt.Errorf("pack addTokenAssets: %w", err)
	}
	return model.Action{Target: m.address.Hex(), Calldata: data, Method: "addTokenAssets"}, nil
}

func SetTieredDebtCoverageCall(tier uint8, token common.Address, value *big.Int) ([]byte, error) {
	return TokenManagerABI.Pack("setTieredDebtCoverage", tier, token, value)
}

func SetTieredDebtCoverageStakedCall(tier uint8, identifier [32]byte, value *big.Int) ([]byte, error) {
	return TokenManagerABI.Pack("setTieredDebtCoverageStaked", tier, identifier, value)
}

// StakedIdentifiers reads getStakedPositions from each account in one batch
// and returns the non-empty identifiers per account. Accounts whose call
// failed have a non-nil entry in errs.
func (c *Client) StakedIdentifiers(ctx context.Context, accounts []model.Subject) ([][]string, []error, error) {
	calls := make([]ContractCall, len(accounts))
	for i, account := range accounts {
		calls[i] = ContractCall{To: common.HexToAddress(account.String()), Method: "getStakedPositions"}
	}
	results, errs, err := c.CallContractBatch(ctx, PrimeAccountABI, calls)
	if err != nil {
		return nil, nil, err
	}
	identifiers := make([][]string, len(accounts))
	for i, out := range results {
		if errs[i] != nil {
			continue
		}
		positions := *abi.ConvertType(out[0], new([]StakedPosition)).(*[]StakedPosition)
		for _, p := range positions {
			if id := Bytes32ToString(p.Identifier); id != "" {
				identifiers[i] = append(identifiers[i], id)
			}
		}
	}
	return identifiers, errs, nil
}

// GmxPositionBenchmark reads the stored benchmark for market from reader.
func (c *Client) GmxPositionBenchmark(ctx context.Context, reader, market common.Address) (GmxPositionBenchmark, error) {
	out, err := c.CallContract(ctx, reader, PrimeAccountABI, "getGmxPositionBenchmark", market)
	if err != nil {
		return GmxPositionBenchmark{}, err
	}
	return *abi.ConvertType(out[0], new(GmxPositionBenchmark)).(*GmxPositionBenchmark), nil
}

package evm

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const registryABIJSON = `[
  {"type":"function","name":"getAllLoans","stateMutability":"view","inputs":[],
   "outputs":[{"name":"accounts","type":"address[]"}]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const primeAccountABIJSON = `[
  {"type":"function","name":"sweepFeesAndUpdateBenchMark","stateMutability":"nonpayable",
   "inputs":[{"name":"gmToken","type":"address"}],"outputs":[]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getStakedPositions","stateMutability":"view","inputs":[],
   "outputs":[{"name":"_positions","type":"tuple[]","components":[
     {"name":"asset","type":"address"},
     {"name":"symbol","type":"bytes32"},
     {"name":"identifier","type":"bytes32"},
     {"name":"balanceSelector","type":"bytes4"},
     {"name":"unstakeSelector","type":"bytes4"}]}]},
  {"type":"function","name":"getGmxPositionBenchmark","stateMutability":"view",
   "inputs":[{"name":"market","type":"address"}],
   "outputs":[{"name":"benchmark","type":"tuple","components":[
     {"name":"benchmarkValueUsd","type":"uint256"},
     {"name":"underlyingLongTokenAmount","type":"uint256"},
     {"name":"underlyingShortTokenAmount","type":"uint256"},
     {"name":"benchmarkTimeStamp","type":"uint256"},
     {"name":"longTokenAddress","type":"address"},
     {"name":"shortTokenAddress","type":"address"},
     {"name":"exists","type":"bool"}]}]}
]`

const tokenManagerABIJSON = `[
  {"type":"function","name":"getAllTokenAssets","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"function","name":"getSupportedTokensAddresses","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"getAssetAddress","stateMutability":"view",
   "inputs":[{"name":"_asset","type":"bytes32"},{"name":"allowInactive","type":"bool"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"tokenAddressToSymbol","stateMutability":"view",
   "inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"debtCoverage","stateMutability":"view",
   "inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"debtCoverageStaked","stateMutability":"view",
   "inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tieredDebtCoverage","stateMutability":"view",
   "inputs":[{"name":"tier","type":"uint8"},{"name":"tokenAddress","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tieredDebtCoverageStaked","stateMutability":"view",
   "inputs":[{"name":"tier","type":"uint8"},{"name":"stakedAsset","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"setTieredDebtCoverage","stateMutability":"nonpayable",
   "inputs":[{"name":"tier","type":"uint8"},{"name":"tokenAddress","type":"address"},
             {"name":"debtCoverageValue","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"setTieredDebtCoverageStaked","stateMutability":"nonpayable",
   "inputs":[{"name":"tier","type":"uint8"},{"name":"stakedAsset","type":"bytes32"},
             {"name":"debtCoverageValue","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"addTokenAssets","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenAssets","type":"tuple[]","components":[
     {"name":"asset","type":"bytes32"},
     {"name":"assetAddress","type":"address"},
     {"name":"debtCoverage","type":"uint256"}]}],"outputs":[]}
]`

var (
	RegistryABI     = mustParseABI("registry", registryABIJSON)
	ERC20ABI        = mustParseABI("erc20", erc20ABIJSON)
	PrimeAccountABI = mustParseABI("prime account", primeAccountABIJSON)
	TokenManagerABI = mustParseABI("token manager", tokenManagerABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse %s abi: %v", name, err))
	}
	return parsed
}

// StakedPosition mirrors the tuple returned by getStakedPositions.
type StakedPosition struct {
	Asset           common.Address
	Symbol          [32]byte
	Identifier      [32]byte
	BalanceSelector [4]byte
	UnstakeSelector [4]byte
}

// TokenAsset is the addTokenAssets input tuple.
type TokenAsset struct {
	Asset        [32]byte
	AssetAddress common.Address
	DebtCoverage *big.Int
}

// GmxPositionBenchmark mirrors the tuple returned by getGmxPositionBenchmark.
type GmxPositionBenchmark struct {
	BenchmarkValueUsd          *big.Int
	UnderlyingLongTokenAmount  *big.Int
	UnderlyingShortTokenAmount *big.Int
	BenchmarkTimeStamp         *big.Int
	LongTokenAddress           common.Address
	ShortTokenAddress          common.Address
	Exists                     bool
}

// SweepFeesCall encodes sweepFeesAndUpdateBenchMark(resource).
func SweepFeesCall(resource common.Address) ([]byte, error) {
	return PrimeAccountABI.Pack("sweepFeesAndUpdateBenchMark", resource)
}

// Bytes32ToString decodes a right-padded bytes32 label. The zero value
// decodes to the empty string.
func Bytes32ToString(b [32]byte) string {
	if i := bytes.IndexByte(b[:], 0); i >= 0 {
		return string(b[:i])
	}
	return string(b[:])
}

// StringToBytes32 right-pads s into a bytes32 label.
func StringToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) > 31 {
		return out, fmt.Errorf("label %q longer than 31 bytes", s)
	}
	copy(out[:], s)
	return out, nil
}

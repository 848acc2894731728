package model

import "strings"

// Chain is the ledger tag used in reconciliation keys. Values match the
// labels already present in existing progress documents.
type Chain string

const (
	ChainArbitrum  Chain = "Arbitrum"
	ChainAvalanche Chain = "Avalanche"
)

func (c Chain) String() string {
	return string(c)
}

// Slug is the lower-case form used for metric labels and lock names.
func (c Chain) Slug() string {
	return strings.ToLower(string(c))
}

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkQA      Network = "qa"
)

func (n Network) String() string {
	return string(n)
}

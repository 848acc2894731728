package rpc

import (
	"encoding/json"
	"fmt"
)

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. Nodes put the ABI-encoded revert
// payload of a failed eth_call or eth_estimateGas in Data.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// RevertData returns the hex revert payload carried in Data, if any.
func (e *RPCError) RevertData() string {
	if len(e.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	var nested struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(e.Data, &nested); err == nil {
		return nested.Data
	}
	return ""
}

// CallMsg is the transaction object accepted by eth_call and eth_estimateGas.
type CallMsg struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Data string `json:"data,omitempty"`
}

type Transaction struct {
	Hash        string  `json:"hash"`
	BlockNumber *string `json:"blockNumber"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Nonce       string  `json:"nonce"`
	Input       string  `json:"input"`
	GasPrice    string  `json:"gasPrice"`
}

// Mined reports whether the node has placed the transaction in a block.
func (t *Transaction) Mined() bool {
	return t.BlockNumber != nil && *t.BlockNumber != ""
}

type TransactionReceipt struct {
	TransactionHash   string `json:"transactionHash"`
	BlockNumber       string `json:"blockNumber"`
	BlockHash         string `json:"blockHash"`
	Status            string `json:"status"`
	From              string `json:"from"`
	To                string `json:"to"`
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
}

// Succeeded reports a status of 0x1.
func (r *TransactionReceipt) Succeeded() bool {
	return r.Status == "0x1"
}

// BatchError reports a missing or failed entry in a batch call.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch entry %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

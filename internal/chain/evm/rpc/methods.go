package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockTag selects the state an eth_call executes against.
const (
	BlockLatest  = "latest"
	BlockPending = "pending"
)

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	return decodeBig(result, "chain id")
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return decodeUint64(result, "block number")
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, fmt.Errorf("eth_gasPrice: %w", err)
	}
	return decodeBig(result, "gas price")
}

func (c *Client) PendingNonce(ctx context.Context, address string) (uint64, error) {
	result, err := c.call(ctx, "eth_getTransactionCount", []interface{}{address, BlockPending})
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount(%s): %w", address, err)
	}
	return decodeUint64(result, "nonce")
}

// Call executes a read-only contract call and returns the raw return data.
func (c *Client) Call(ctx context.Context, msg CallMsg, blockTag string) ([]byte, error) {
	if blockTag == "" {
		blockTag = BlockLatest
	}
	result, err := c.call(ctx, "eth_call", []interface{}{msg, blockTag})
	if err != nil {
		return nil, fmt.Errorf("eth_call(%s): %w", msg.To, err)
	}
	return decodeBytes(result, "call result")
}

// CallBatch executes msgs in one batch. The outer error covers transport
// failures; a failed entry leaves a *BatchError at its index in errs.
func (c *Client) CallBatch(ctx context.Context, msgs []CallMsg, blockTag string) ([][]byte, []error, error) {
	if blockTag == "" {
		blockTag = BlockLatest
	}
	requests := make([]Request, len(msgs))
	for i, msg := range msgs {
		requests[i] = c.newRequest("eth_call", []interface{}{msg, blockTag})
	}

	responses, err := c.callBatch(ctx, requests)
	if err != nil {
		return nil, nil, fmt.Errorf("eth_call batch: %w", err)
	}

	results := make([][]byte, len(msgs))
	errs := make([]error, len(msgs))
	for i, resp := range responses {
		if resp.Error != nil {
			errs[i] = &BatchError{Index: i, Err: resp.Error}
			continue
		}
		data, err := decodeBytes(resp.Result, "call result")
		if err != nil {
			errs[i] = &BatchError{Index: i, Err: err}
			continue
		}
		results[i] = data
	}
	return results, errs, nil
}

func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	result, err := c.call(ctx, "eth_estimateGas", []interface{}{msg})
	if err != nil {
		return 0, fmt.Errorf("eth_estimateGas(%s): %w", msg.To, err)
	}
	return decodeUint64(result, "gas estimate")
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	result, err := c.call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(raw)})
	if err != nil {
		return "", fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal transaction hash: %w", err)
	}
	return hash, nil
}

func (c *Client) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	result, err := c.call(ctx, "eth_getTransactionByHash", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash(%s): %w", hash, err)
	}
	if isNull(result) {
		return nil, nil
	}

	var tx Transaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

func (c *Client) GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", hash, err)
	}
	if isNull(result) {
		return nil, nil
	}

	var receipt TransactionReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal transaction receipt: %w", err)
	}
	return &receipt, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func decodeString(raw json.RawMessage, what string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return s, nil
}

func decodeUint64(raw json.RawMessage, what string) (uint64, error) {
	s, err := decodeString(raw, what)
	if err != nil {
		return 0, err
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", what, s, err)
	}
	return v, nil
}

func decodeBig(raw json.RawMessage, what string) (*big.Int, error) {
	s, err := decodeString(raw, what)
	if err != nil {
		return nil, err
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", what, s, err)
	}
	return v, nil
}

func decodeBytes(raw json.RawMessage, what string) ([]byte, error) {
	s, err := decodeString(raw, what)
	if err != nil {
		return nil, err
	}
	v, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", what, err)
	}
	return v, nil
}

// ParseQuantity decodes a hex quantity such as a receipt block number.
func ParseQuantity(value string) (uint64, error) {
	v, err := hexutil.DecodeUint64(value)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", value, err)
	}
	return v, nil
}

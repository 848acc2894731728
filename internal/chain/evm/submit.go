package evm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm/rpc"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ledger"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/retry"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var errReadOnly = errors.New("client has no signing key")

// PrepareAction estimates and signs action. Nothing is broadcast. A
// rejection found by the gas estimate is returned as *ledger.RevertError.
func (c *Client) PrepareAction(ctx context.Context, action model.Action) (*ledger.SignedTx, error) {
	if c.cfg.PrivateKey == nil {
		return nil, errReadOnly
	}
	if !common.IsHexAddress(action.Target) {
		return nil, fmt.Errorf("invalid action target %q", action.Target)
	}
	to := common.HexToAddress(action.Target)

	data, err := c.cfg.Wrapper.Wrap(ctx, action.Calldata)
	if err != nil {
		return nil, unavailable("wrap calldata", err)
	}

	chainID, err := c.chainIDFor(ctx)
	if err != nil {
		return nil, unavailable("chain id", err)
	}

	msg := rpc.CallMsg{From: c.from.Hex(), To: to.Hex(), Data: hexutil.Encode(data)}
	var gas uint64
	err = c.read(ctx, "eth_estimateGas", func(ctx context.Context) error {
		var err error
		gas, err = c.backend.EstimateGas(ctx, msg)
		return err
	})
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return nil, &ledger.RevertError{Reason: reason}
		}
		return nil, unavailable("estimate gas", err)
	}

	var (
		nonce    uint64
		gasPrice *big.Int
	)
	err = c.read(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		nonce, err = c.backend.PendingNonce(ctx, c.from.Hex())
		return err
	})
	if err != nil {
		return nil, unavailable("pending nonce", err)
	}
	err = c.read(ctx, "eth_gasPrice", func(ctx context.Context) error {
		var err error
		gasPrice, err = c.backend.GasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, unavailable("gas price", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      uint64(math.Round(float64(gas) * c.cfg.GasLimitMultiplier)),
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	return &ledger.SignedTx{
		Handle: ledger.TxHandle{Hash: signed.Hash().Hex(), Nonce: nonce},
		Method: action.Method,
		Raw:    raw,
	}, nil
}

// SubmitAction broadcasts tx exactly once.
func (c *Client) SubmitAction(ctx context.Context, tx *ledger.SignedTx) (ledger.TxHandle, error) {
	if c.cfg.PrivateKey == nil {
		return ledger.TxHandle{}, errReadOnly
	}
	handle := tx.Handle
	err := c.invoke(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		_, err := c.backend.SendRawTransaction(ctx, tx.Raw)
		return err
	})
	if err != nil {
		// The node may have accepted the transaction before the error
		// surfaced. Look it up instead of resending.
		if status, _, lookupErr := c.TransactionStatus(ctx, handle.Hash); lookupErr == nil && status != ledger.TxUnknown {
			c.logger.Warn("broadcast reported an error but transaction is known",
				"tx_hash", handle.Hash, "status", status, "error", err)
			return handle, nil
		}
		if reason, ok := revertReason(err); ok {
			return ledger.TxHandle{}, &ledger.RevertError{Reason: reason}
		}
		return ledger.TxHandle{}, fmt.Errorf("broadcast %s: %w", handle.Hash, err)
	}

	c.logger.Info("transaction submitted",
		"tx_hash", handle.Hash,
		"nonce", handle.Nonce,
		"method", tx.Method,
	)
	return handle, nil
}

// AwaitConfirmation polls for the receipt until it is minConfirmations deep.
// Lookup errors while polling are tolerated until the confirmation timeout.
func (c *Client) AwaitConfirmation(ctx context.Context, handle ledger.TxHandle, minConfirmations int) (*ledger.Receipt, error) {
	if minConfirmations < 1 {
		minConfirmations = 1
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.receipt(waitCtx, handle.Hash)
		switch {
		case err != nil:
			c.logger.Debug("receipt lookup failed", "tx_hash", handle.Hash, "error", err)
		case receipt != nil && !receipt.Succeeded:
			receipt.Reason = c.replayRevert(ctx, handle.Hash, receipt.BlockNumber)
			return nil, &ledger.RevertError{Reason: receipt.Reason, TxHash: handle.Hash}
		case receipt != nil && receipt.Confirmations >= uint64(minConfirmations):
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s not %d blocks deep after %s",
				ledger.ErrConfirmationTimeout, handle.Hash, minConfirmations, c.cfg.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

// TransactionStatus reports whether txHash is mined, pending or unknown to
// the node.
func (c *Client) TransactionStatus(ctx context.Context, txHash string) (ledger.TxStatus, *ledger.Receipt, error) {
	var receipt *ledger.Receipt
	err := retry.Do(ctx, c.cfg.Retry, "transaction_status", c.logger, func(ctx context.Context) error {
		var err error
		receipt, err = c.receipt(ctx, txHash)
		return err
	})
	if err != nil {
		return "", nil, unavailable("transaction receipt", err)
	}
	if receipt != nil {
		if receipt.Succeeded {
			return ledger.TxMinedSuccess, receipt, nil
		}
		receipt.Reason = c.replayRevert(ctx, txHash, receipt.BlockNumber)
		return ledger.TxMinedReverted, receipt, nil
	}

	var tx *rpc.Transaction
	err = c.read(ctx, "eth_getTransactionByHash", func(ctx context.Context) error {
		var err error
		tx, err = c.backend.GetTransactionByHash(ctx, txHash)
		return err
	})
	if err != nil {
		return "", nil, unavailable("transaction lookup", err)
	}
	if tx != nil {
		return ledger.TxPending, nil, nil
	}
	return ledger.TxUnknown, nil, nil
}

// receipt fetches the receipt and the current head in one step. A nil
// receipt means the transaction is not mined yet.
func (c *Client) receipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	var raw *rpc.TransactionReceipt
	err := c.invoke(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		raw, err = c.backend.GetTransactionReceipt(ctx, txHash)
		return err
	})
	if err != nil || raw == nil {
		return nil, err
	}

	block, err := rpc.ParseQuantity(raw.BlockNumber)
	if err != nil {
		return nil, err
	}

	var head uint64
	err = c.invoke(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		head, err = c.backend.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var confirmations uint64
	if head >= block {
		confirmations = head - block + 1
	}
	return &ledger.Receipt{
		TxHash:        txHash,
		BlockNumber:   block,
		Confirmations: confirmations,
		Succeeded:     raw.Succeeded(),
	}, nil
}

// replayRevert re-executes a failed transaction as eth_call at its block to
// recover the revert reason.
func (c *Client) replayRevert(ctx context.Context, txHash string, block uint64) string {
	const unknown = "transaction reverted without a reason"

	var tx *rpc.Transaction
	err := c.invoke(ctx, "eth_getTransactionByHash", func(ctx context.Context) error {
		var err error
		tx, err = c.backend.GetTransactionByHash(ctx, txHash)
		return err
	})
	if err != nil || tx == nil {
		return unknown
	}

	msg := rpc.CallMsg{From: tx.From, To: tx.To, Data: tx.Input}
	err = c.invoke(ctx, "eth_call", func(ctx context.Context) error {
		_, err := c.backend.Call(ctx, msg, hexutil.EncodeUint64(block))
		return err
	})
	if reason, ok := revertReason(err); ok {
		return reason
	}
	return unknown
}

// revertReason extracts a human-readable reason from a revert error.
func revertReason(err error) (string, bool) {
	if err == nil || !isRevert(err) {
		return "", false
	}
	var rpcErr *rpc.RPCError
	errors.As(err, &rpcErr)

	if payload := rpcErr.RevertData(); payload != "" {
		if data, decodeErr := hexutil.Decode(payload); decodeErr == nil {
			if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
				return reason, true
			}
			if len(data) >= 4 {
				return fmt.Sprintf("custom error %s", hexutil.Encode(data[:4])), true
			}
		}
	}

	msg := strings.TrimSpace(rpcErr.Message)
	if i := strings.Index(msg, "execution reverted:"); i >= 0 {
		return strings.TrimSpace(msg[i+len("execution reverted:"):]), true
	}
	return msg, true
}

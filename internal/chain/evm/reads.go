package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm/rpc"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/circuitbreaker"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ledger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EnumerateSubjects reads getAllLoans from the registry.
func (c *Client) EnumerateSubjects(ctx context.Context) (*ledger.SubjectStream, error) {
	out, err := c.CallContract(ctx, c.cfg.Registry, RegistryABI, "getAllLoans")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("enumerate subjects", err)
	}
	addresses := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)

	subjects := make([]model.Subject, len(addresses))
	for i, addr := range addresses {
		subjects[i] = model.Subject(addr.Hex())
	}
	c.logger.Info("enumerated subjects", "registry", c.cfg.Registry.Hex(), "count", len(subjects))
	return ledger.NewSubjectStream(subjects), nil
}

// ReadBalance reads the ERC-20 balance of subject in resource.
func (c *Client) ReadBalance(ctx context.Context, subject model.Subject, resource model.Resource) (*big.Int, error) {
	if !common.IsHexAddress(subject.String()) || !common.IsHexAddress(resource.Address) {
		return nil, fmt.Errorf("%w: invalid address in %s/%s", ledger.ErrReadFailed, subject, resource.Address)
	}
	out, err := c.CallContract(ctx, common.HexToAddress(resource.Address), ERC20ABI, "balanceOf", common.HexToAddress(subject.String()))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, unavailable("read balance", err)
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ledger.ErrReadFailed, subject, resource, err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// CallContract packs method with args, executes it with eth_call under the
// read retry policy and returns the unpacked outputs.
func (c *Client) CallContract(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := rpc.CallMsg{To: to.Hex(), Data: hexutil.Encode(input)}

	var data []byte
	err = c.read(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		data, err = c.backend.Call(ctx, msg, rpc.BlockLatest)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}

	out, err := contract.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s on %s: %w", method, to.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("unpack %s on %s: empty result", method, to.Hex())
	}
	return out, nil
}

// ContractCall is one entry of CallContractBatch.
type ContractCall struct {
	To     common.Address
	Method string
	Args   []interface{}
}

// CallContractBatch runs calls against the same ABI in one JSON-RPC batch.
// The transport is retried as a whole; failed entries keep their error in
// errs and leave a nil result, so callers can ignore them individually.
func (c *Client) CallContractBatch(ctx context.Context, contract abi.ABI, calls []ContractCall) ([][]interface{}, []error, error) {
	msgs := make([]rpc.CallMsg, len(calls))
	for i, call := range calls {
		input, err := contract.Pack(call.Method, call.Args...)
		if err != nil {
			return nil, nil, fmt.Errorf("pack %s: %w", call.Method, err)
		}
		msgs[i] = rpc.CallMsg{To: call.To.Hex(), Data: hexutil.Encode(input)}
	}

	var (
		raw     [][]byte
		rawErrs []error
	)
	err := c.read(ctx, "eth_call_batch", func(ctx context.Context) error {
		var err error
		raw, rawErrs, err = c.backend.CallBatch(ctx, msgs, rpc.BlockLatest)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("batch of %d calls: %w", len(calls), err)
	}

	results := make([][]interface{}, len(calls))
	errs := make([]error, len(calls))
	for i := range calls {
		if rawErrs[i] != nil {
			errs[i] = rawErrs[i]
			continue
		}
		out, err := contract.Unpack(calls[i].Method, raw[i])
		if err != nil || len(out) == 0 {
			errs[i] = fmt.Errorf("unpack %s on %s: %v", calls[i].Method, calls[i].To.Hex(), err)
			continue
		}
		results[i] = out
	}
	return results, errs, nil
}

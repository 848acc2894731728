// Package evm implements ledger.Client over an EVM JSON-RPC endpoint.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm/rpc"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/circuitbreaker"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ledger"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/metrics"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/ratelimit"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/retry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Backend is the subset of the JSON-RPC surface the client needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, address string) (uint64, error)
	Call(ctx context.Context, msg rpc.CallMsg, blockTag string) ([]byte, error)
	CallBatch(ctx context.Context, msgs []rpc.CallMsg, blockTag string) ([][]byte, []error, error)
	EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
	GetTransactionByHash(ctx context.Context, hash string) (*rpc.Transaction, error)
	GetTransactionReceipt(ctx context.Context, hash string) (*rpc.TransactionReceipt, error)
}

type Config struct {
	Chain    model.Chain
	Registry common.Address

	// PrivateKey signs submitted actions. A nil key yields a read-only client.
	PrivateKey *ecdsa.PrivateKey
	// ChainID is fetched from the node when nil.
	ChainID *big.Int

	CallTimeout    time.Duration
	Retry          retry.Policy
	RateLimitRPS   float64
	RateLimitBurst int
	Breaker        circuitbreaker.Config

	// GasLimitMultiplier is applied to eth_estimateGas results.
	GasLimitMultiplier  float64
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration

	Wrapper CalldataWrapper
}

const (
	defaultCallTimeout        = 30 * time.Second
	defaultGasLimitMultiplier = 1.2
	defaultConfirmPoll        = 2 * time.Second
	defaultConfirmTimeout     = 3 * time.Minute
)

// Client talks to one chain. It is safe for concurrent reads; submissions
// are expected to be issued sequentially by a single writer.
type Client struct {
	cfg     Config
	backend Backend
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	from common.Address

	chainIDMu sync.Mutex
	chainID   *big.Int
}

var _ ledger.Client = (*Client)(nil)

func NewClient(cfg Config, backend Backend, logger *slog.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.GasLimitMultiplier < 1 {
		cfg.GasLimitMultiplier = defaultGasLimitMultiplier
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = defaultConfirmPoll
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.Wrapper == nil {
		cfg.Wrapper = NoopWrapper{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	chain := cfg.Chain.Slug()
	breakerCfg := cfg.Breaker
	breakerCfg.Name = chain
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = countsAgainstEndpoint
	}
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.RPCCircuitState.WithLabelValues(name).Set(float64(to))
		logger.Warn("rpc circuit state changed", "chain", name, "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	c := &Client{
		cfg:     cfg,
		backend: backend,
		limiter: ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, chain),
		breaker: circuitbreaker.New(breakerCfg),
		logger:  logger.With("component", "evm_client", "chain", cfg.Chain.String()),
		chainID: cfg.ChainID,
	}
	if cfg.PrivateKey != nil {
		c.from = crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey)
	}
	return c
}

func (c *Client) Chain() model.Chain {
	return c.cfg.Chain
}

// From is the signer address, or the zero address for a read-only client.
func (c *Client) From() common.Address {
	return c.from
}

// invoke runs one RPC call under the rate limiter, the circuit breaker and
// the per-call timeout, and records its metrics.
func (c *Client) invoke(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	started := time.Now()
	err := c.breaker.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return fn(callCtx)
	})
	ratelimit.RecordRPCCall(c.cfg.Chain.Slug(), method, started, err)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		// Not worth retrying until the breaker probes again.
		return retry.Terminal(err)
	}
	return err
}

// read is invoke wrapped in the bounded retry policy.
func (c *Client) read(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.cfg.Retry, method, c.logger, func(ctx context.Context) error {
		return c.invoke(ctx, method, fn)
	})
}

func (c *Client) chainIDFor(ctx context.Context) (*big.Int, error) {
	c.chainIDMu.Lock()
	defer c.chainIDMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	var id *big.Int
	err := c.read(ctx, "eth_chainId", func(ctx context.Context) error {
		var err error
		id, err = c.backend.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.chainID = id
	return id, nil
}

// countsAgainstEndpoint keeps contract reverts and cancellations from
// tripping the breaker.
func countsAgainstEndpoint(err error) bool {
	if errors.Is(err, context.Canceled) || isRevert(err) {
		return false
	}
	return true
}

func isRevert(err error) bool {
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.RevertData() != "" || strings.Contains(strings.ToLower(rpcErr.Message), "revert")
	}
	return false
}

func unavailable(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", ledger.ErrLedgerUnavailable, stage, err)
}

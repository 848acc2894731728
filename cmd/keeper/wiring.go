package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/alert"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm/rpc"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/circuitbreaker"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/config"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/lock"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/reconciliation"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/retry"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/tracing"
	"github.com/ethereum/go-ethereum/common"
)

// newClient builds the ledger client for t. A nil key yields a read-only
// client; a nil wrapper submits calldata unchanged.
func (a *app) newClient(t config.TargetConfig, key *ecdsa.PrivateKey, wrapper evm.CalldataWrapper) *evm.Client {
	rpcCfg := a.cfg.RPC
	var chainID *big.Int
	if t.ChainID > 0 {
		chainID = big.NewInt(t.ChainID)
	}
	backend := rpc.NewClient(t.RPCURL, rpcCfg.Timeout, a.logger.With("component", "rpc", "chain", t.Chain.String()))
	return evm.NewClient(evm.Config{
		Chain:      t.Chain,
		Registry:   common.HexToAddress(t.Registry),
		PrivateKey: key,
		ChainID:    chainID,

		CallTimeout: rpcCfg.Timeout,
		Retry: retry.Policy{
			MaxAttempts:    rpcCfg.RetryMaxAttempts,
			BackoffInitial: rpcCfg.BackoffInitial,
			BackoffMax:     rpcCfg.BackoffMax,
		},
		RateLimitRPS:   rpcCfg.RateLimitRPS,
		RateLimitBurst: rpcCfg.RateLimitBurst,
		Breaker: circuitbreaker.Config{
			FailureThreshold: rpcCfg.BreakerFailureThreshold,
			OpenTimeout:      rpcCfg.BreakerOpenTimeout,
		},

		GasLimitMultiplier:  rpcCfg.GasLimitMultiplier,
		ConfirmPollInterval: rpcCfg.ConfirmPollInterval,
		ConfirmTimeout:      rpcCfg.ConfirmTimeout,
		Wrapper:             wrapper,
	}, backend, a.logger)
}

// sweepWrapper attaches oracle payloads when a sidecar is configured.
func (a *app) sweepWrapper(t config.TargetConfig) evm.CalldataWrapper {
	if a.cfg.Oracle.WrapperURL == "" {
		return evm.NoopWrapper{}
	}
	return evm.NewPayloadServiceWrapper(a.cfg.Oracle.WrapperURL, t.DataServiceID, t.UniqueSigners, a.cfg.Oracle.Timeout)
}

// reconciliationTargets maps the selected configured targets onto engine
// targets sharing one signing key.
func (a *app) reconciliationTargets(chain string, key *ecdsa.PrivateKey) ([]reconciliation.Target, error) {
	selected, err := a.cfg.SelectTargets(chain)
	if err != nil {
		return nil, err
	}
	targets := make([]reconciliation.Target, 0, len(selected))
	for _, t := range selected {
		targets = append(targets, reconciliation.Target{
			Chain:       t.Chain,
			Network:     t.Network,
			Ledger:      a.newClient(t, key, a.sweepWrapper(t)),
			Resources:   t.Resources,
			BuildAction: evm.SweepAction,
		})
	}
	return targets, nil
}

// chainClient returns a client for the target named by chain, used by the
// token manager commands.
func (a *app) chainClient(chain string, key *ecdsa.PrivateKey) (*evm.Client, error) {
	t, ok := a.cfg.Target(chain)
	if !ok {
		return nil, fmt.Errorf("no target configured for chain %q", chain)
	}
	return a.newClient(t, key, evm.NoopWrapper{}), nil
}

// openLocker returns the configured locker and a function releasing its
// resources.
func (a *app) openLocker(ctx context.Context) (lock.Locker, func(), error) {
	switch a.cfg.Lock.Backend {
	case config.LockBackendFile:
		return lock.NewFileLocker(a.cfg.Lock.Dir, a.logger), func() {}, nil
	case config.LockBackendRedis:
		client, err := lock.DialRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("redis close failed", "error", err)
			}
		}
		return lock.NewRedisLocker(client, a.cfg.Lock.TTL, a.logger), closeFn, nil
	case config.LockBackendNone:
		return lock.Noop{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", a.cfg.Lock.Backend)
	}
}

func (a *app) newEngine(store progress.Store, locker lock.Locker) (*reconciliation.Engine, error) {
	rejections, err := a.cfg.RejectionSet()
	if err != nil {
		return nil, err
	}
	alerter := alert.New(a.cfg.Alert.SlackWebhookURL, a.cfg.Alert.WebhookURL, a.cfg.Alert.Cooldown, a.logger)
	engine := reconciliation.NewEngine(store, reconciliation.Config{
		BatchSize:        a.cfg.Engine.BatchSize,
		ReadConcurrency:  a.cfg.Engine.ReadConcurrency,
		ActionDelay:      a.cfg.Engine.ActionDelay,
		NoBalanceTTL:     a.cfg.Engine.NoBalanceTTL,
		MinConfirmations: a.cfg.Engine.MinConfirmations,
		Rejections:       rejections,
	}, alerter, a.logger)
	return engine.WithLocker(locker), nil
}

// initTracing installs the tracer provider and returns its shutdown func.
func (a *app) initTracing(ctx context.Context) func() {
	endpoint := ""
	if a.cfg.Tracing.Enabled {
		endpoint = a.cfg.Tracing.Endpoint
	}
	shutdown, err := tracing.Init(ctx, tracing.Config{
		ServiceName: serviceName,
		Endpoint:    endpoint,
		Insecure:    a.cfg.Tracing.Insecure,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		a.logger.Error("failed to initialize tracing", "error", err)
		return func() {}
	}
	if endpoint != "" {
		a.logger.Info("tracing enabled", "endpoint", endpoint)
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown error", "error", err)
		}
	}
}

func (a *app) closeStore(store progress.Store) {
	if err := store.Close(); err != nil {
		a.logger.Error("close progress store failed", "error", err)
	}
}

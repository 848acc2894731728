package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached keeps recently read terminal records in memory. Terminal records
// are never overwritten, so a hit is always current. Every other call goes
// to the wrapped store.
type Cached struct {
	Store
	terminal *lru.Cache[model.ReconciliationKey, model.ProgressRecord]
}

var _ Store = (*Cached)(nil)

func NewCached(store Store, size int) (*Cached, error) {
	terminal, err := lru.New[model.ReconciliationKey, model.ProgressRecord](size)
	if err != nil {
		return nil, fmt.Errorf("progress cache: %w", err)
	}
	return &Cached{Store: store, terminal: terminal}, nil
}

func (c *Cached) Get(ctx context.Context, key model.ReconciliationKey) (*model.ProgressRecord, error) {
	if rec, ok := c.terminal.Get(key); ok {
		metrics.ProgressCacheLookups.WithLabelValues("hit").Inc()
		return &rec, nil
	}
	metrics.ProgressCacheLookups.WithLabelValues("miss").Inc()
	rec, err := c.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.State.Terminal() {
		c.terminal.Add(key, *rec)
	}
	return rec, nil
}

func (c *Cached) IsResolved(ctx context.Context, key model.ReconciliationKey, noBalanceSince time.Time) (bool, error) {
	rec, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return Resolved(rec, noBalanceSince), nil
}

// Len is the number of cached terminal records.
func (c *Cached) Len() int {
	return c.terminal.Len()
}

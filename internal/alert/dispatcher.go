package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/metrics"
)

// Dispatcher fans alerts out to every channel and drops repeats of the same
// event inside the cooldown window.
type Dispatcher struct {
	channels []Channel
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewDispatcher(cooldown time.Duration, logger *slog.Logger, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Send delivers a to every channel. Channel failures are joined; a failing
// channel does not stop the others.
func (d *Dispatcher) Send(ctx context.Context, a Alert) error {
	key := a.dedupKey()
	if !d.admit(key) {
		d.logger.Debug("alert suppressed by cooldown", "kind", a.Kind, "chain", a.Chain.String(), "key", a.Key)
		for _, c := range d.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(c.Name(), string(a.Kind)).Inc()
		}
		return nil
	}

	var errs []error
	for _, c := range d.channels {
		if err := c.Send(ctx, a); err != nil {
			d.logger.Warn("alert send failed", "channel", c.Name(), "kind", a.Kind, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(c.Name(), string(a.Kind)).Inc()
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) admit(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = now
	return true
}

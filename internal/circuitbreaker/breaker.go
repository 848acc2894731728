package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the endpoint is considered down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker. Zero values take the defaults noted per field.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening (5)
	SuccessThreshold int           // half-open successes before closing (2)
	OpenTimeout      time.Duration // time spent open before probing (30s)
	OnStateChange    func(name string, from, to State)

	// IsFailure decides whether an error counts against the endpoint.
	// Nil counts every error.
	IsFailure func(error) bool

	now func() time.Time
}

// Breaker guards one RPC endpoint. Errors the endpoint produced on purpose,
// such as contract reverts, should not be counted; see Config.IsFailure.
type Breaker struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Do runs fn unless the breaker is open and records its result.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return fmt.Errorf("%s: %w", b.cfg.Name, err)
	}
	err := fn()
	if err != nil && (b.cfg.IsFailure == nil || b.cfg.IsFailure(err)) {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return err
}

func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.cfg.now().Sub(b.lastFailureAt) > b.cfg.OpenTimeout {
			b.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.successCount = 0
	b.lastFailureAt = b.cfg.now()
	switch {
	case b.state == StateHalfOpen:
		b.setState(StateOpen)
	case b.state == StateClosed && b.failureCount >= b.cfg.FailureThreshold:
		b.setState(StateOpen)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.now().Sub(b.lastFailureAt) > b.cfg.OpenTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successCount = 0
	if to == StateClosed {
		b.failureCount = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

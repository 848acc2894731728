package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrRunActive is returned by Trigger while a pass is in progress.
	ErrRunActive = errors.New("reconciliation run already active")
	// ErrHalted is returned by Trigger after a pass ended with a FatalError.
	ErrHalted = errors.New("reconciliation halted after a fatal outcome")
)

// Scheduler runs RunAll over a fixed target list, either on a cron spec or
// on demand. At most one pass is active at a time. A pass that ends with a
// FatalError halts the scheduler: no further passes start and the error is
// delivered on Fatal.
type Scheduler struct {
	engine  *Engine
	targets []Target
	cron    *cron.Cron
	logger  *slog.Logger

	ctx     context.Context
	running atomic.Bool
	halted  atomic.Bool
	fatal   chan error
	wg      sync.WaitGroup

	mu      sync.RWMutex
	last    []*RunResult
	lastErr error
	lastAt  time.Time
}

// NewScheduler registers spec when it is non-empty. ctx bounds every run
// the scheduler starts.
func NewScheduler(ctx context.Context, engine *Engine, targets []Target, spec string, logger *slog.Logger) (*Scheduler, error) {
	logger = logger.With("component", "scheduler")
	s := &Scheduler{
		engine:  engine,
		targets: targets,
		logger:  logger,
		ctx:     ctx,
		fatal:   make(chan error, 1),
	}
	cronLog := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, s.scheduledRun); err != nil {
			return nil, fmt.Errorf("register reconciliation schedule %q: %w", spec, err)
		}
	}
	return s, nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "entries", len(s.cron.Entries()))
}

// Stop stops the cron loop and waits for an active pass to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether a pass is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Fatal receives the first FatalError that halted the scheduler.
func (s *Scheduler) Fatal() <-chan error {
	return s.fatal
}

// Trigger starts a pass in the background. It returns ErrRunActive when
// one is already running and ErrHalted after a fatal outcome.
func (s *Scheduler) Trigger() (string, error) {
	if s.halted.Load() {
		return "", ErrHalted
	}
	if !s.running.CompareAndSwap(false, true) {
		return "", ErrRunActive
	}
	triggerID := time.Now().UTC().Format("20060102T150405Z")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.logger.Info("manual reconciliation triggered", "trigger", triggerID)
		s.runOnce()
	}()
	return triggerID, nil
}

// RunNow runs a pass in the caller's goroutine.
func (s *Scheduler) RunNow() ([]*RunResult, error) {
	if s.halted.Load() {
		return nil, ErrHalted
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunActive
	}
	defer s.running.Store(false)
	return s.runOnce()
}

func (s *Scheduler) scheduledRun() {
	if s.halted.Load() {
		s.logger.Warn("skipping scheduled run, scheduler halted")
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("skipping scheduled run, previous run still active")
		return
	}
	defer s.running.Store(false)
	s.runOnce()
}

func (s *Scheduler) runOnce() ([]*RunResult, error) {
	results, err := s.engine.RunAll(s.ctx, s.targets)
	s.mu.Lock()
	s.last = results
	s.lastErr = err
	s.lastAt = time.Now()
	s.mu.Unlock()
	if err == nil {
		return results, nil
	}
	var fatal *FatalError
	if errors.As(err, &fatal) && s.halted.CompareAndSwap(false, true) {
		s.logger.Error("reconciliation halted on fatal outcome", "key", fatal.Key.String(), "error", err)
		s.fatal <- err
		return results, err
	}
	s.logger.Error("reconciliation pass failed", "error", err)
	return results, err
}

// Last returns the results of the most recent pass.
func (s *Scheduler) Last() ([]*RunResult, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.lastAt, s.lastErr
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

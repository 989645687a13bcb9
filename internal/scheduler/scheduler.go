// Package scheduler is the single long-lived coordinator: it serializes
// scans, coalesces webhook-triggered re-runs that arrive mid-scan, and
// arms one bounded wakeup timer for delayed re-evaluation (slow-burner
// approvals). Exactly one scan runs at a time, and PR dispatch within a
// scan is strictly sequential — see internal/scan.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ealebed/anubis/internal/forgeclient"
	"github.com/ealebed/anubis/internal/mergectx"
	"github.com/ealebed/anubis/internal/prid"
	"github.com/ealebed/anubis/internal/scan"
)

// maxTimerDelay is the platform's maximum single-shot timer delay
// (2^31-1 ms, the largest value a 32-bit signed millisecond timer field
// can hold) — the wakeup timer is clamped to it regardless of how far out
// a slow-burner delay computes to.
const maxTimerDelay = (1<<31 - 1) * time.Millisecond

// backoffDelay is the fixed pause after a failed scan, giving the forge
// (or a flaky run) time to recover before the bot tries again.
const backoffDelay = 10 * time.Minute

// Scanner is the subset of internal/scan.Execute the scheduler depends on;
// an interface so tests can substitute a scripted scan engine.
type Scanner interface {
	Execute(ctx context.Context, lastScan *scan.Result, prIDs []prid.Identity, now time.Time) (*scan.Result, error)
}

type scannerFunc func(ctx context.Context, lastScan *scan.Result, prIDs []prid.Identity, now time.Time) (*scan.Result, error)

func (f scannerFunc) Execute(ctx context.Context, lastScan *scan.Result, prIDs []prid.Identity, now time.Time) (*scan.Result, error) {
	return f(ctx, lastScan, prIDs, now)
}

// Listener is the HTTP receiver the scheduler owns the lifecycle of: it is
// closed on scan failure (so the forge stops delivering events during the
// backoff window) and reopened once the backoff elapses.
type Listener interface {
	Close() error
	Reopen() error
}

// Scheduler is the stateful driver described by spec.md §4.5. Zero value is
// not usable; construct with New.
type Scheduler struct {
	scanner  Scanner
	listener Listener
	nowFunc  func() time.Time

	mu       sync.Mutex
	running  bool
	rerun    bool
	pending  []prid.Identity // nil = full-scan forced; non-nil (maybe empty) = tracked identity set
	lastScan *scan.Result

	timerMu sync.Mutex
	timer   *time.Timer
}

// New builds a Scheduler around a concrete ScanEngine and HTTP listener.
func New(fc forgeclient.ForgeClient, cfg scan.Config, bot *mergectx.BotIdentity, listener Listener) *Scheduler {
	return &Scheduler{
		scanner: scannerFunc(func(ctx context.Context, lastScan *scan.Result, prIDs []prid.Identity, now time.Time) (*scan.Result, error) {
			return scan.Execute(ctx, fc, cfg, bot, lastScan, prIDs, now)
		}),
		listener: listener,
		nowFunc:  time.Now,
	}
}

// NewWithScanner builds a Scheduler around an already-assembled Scanner,
// the shape tests use to inject a scripted scan engine.
func NewWithScanner(scanner Scanner, listener Listener) *Scheduler {
	return &Scheduler{scanner: scanner, listener: listener, nowFunc: time.Now}
}

// Run is the scheduler's single entrypoint, invoked by the webhook
// receiver, the SQS ingestion path, and the wakeup timer alike. newPrIDs
// nil clears the change-detection optimization (forces a full scan next);
// otherwise it is appended to the pending set.
func (s *Scheduler) Run(ctx context.Context, newPrIDs []prid.Identity) {
	s.mu.Lock()
	if newPrIDs == nil {
		s.pending = nil
	} else if s.pending != nil {
		s.pending = append(s.pending, newPrIDs...)
	}
	// else: pending already nil (full scan already forced) — leave it nil.

	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return
	}

	s.stopTimer()
	s.running = true
	s.mu.Unlock()

	s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		s.mu.Lock()
		snapshot := s.pending
		s.pending = []prid.Identity{}
		last := s.lastScan
		s.mu.Unlock()

		result, err := s.scanner.Execute(ctx, last, snapshot, s.now())
		if err != nil {
			slog.Error("scheduler.scan_failed", "err", err)
			s.mu.Lock()
			s.lastScan = nil
			s.mu.Unlock()
			if s.listener != nil {
				if cerr := s.listener.Close(); cerr != nil {
					slog.Warn("scheduler.listener_close_error", "err", cerr)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDelay):
			}
			if s.listener != nil {
				if rerr := s.listener.Reopen(); rerr != nil {
					slog.Error("scheduler.listener_reopen_error", "err", rerr)
				}
			}
			s.mu.Lock()
			s.rerun = true
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			s.lastScan = result
			s.mu.Unlock()
		}

		s.mu.Lock()
		again := s.rerun
		s.rerun = false
		if !again {
			s.running = false
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	result := s.lastScan
	s.mu.Unlock()
	if result != nil && result.HasDelay {
		s.armTimer(result.MinDelayMs)
	}
}

func (s *Scheduler) armTimer(delayMs int64) {
	delay := time.Duration(delayMs) * time.Millisecond
	if delay > maxTimerDelay {
		delay = maxTimerDelay
	}
	if delay < 0 {
		delay = 0
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		s.Run(context.Background(), []prid.Identity{})
	})
}

func (s *Scheduler) stopTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

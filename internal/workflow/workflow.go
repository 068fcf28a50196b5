// Package workflow implements §4.12: the per-cell trigger scheduler. Each
// trigger is edge-activated and debounced so bursts of activations coalesce
// into one run; the same trigger never runs concurrently with itself
// within a cell, but different triggers run in parallel.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Trigger names one of a cell's workflow kinds, per §4.12.
type Trigger uint8

const (
	TriggerIntegrateDhtOps Trigger = iota
	TriggerPublishDhtOps
	TriggerSysValidation
	TriggerAppValidation
	TriggerCountersigning
)

func (t Trigger) String() string {
	switch t {
	case TriggerIntegrateDhtOps:
		return "integrate_dht_ops"
	case TriggerPublishDhtOps:
		return "publish_dht_ops"
	case TriggerSysValidation:
		return "sys_validation"
	case TriggerAppValidation:
		return "app_validation"
	case TriggerCountersigning:
		return "countersigning"
	default:
		return fmt.Sprintf("Trigger(%d)", uint8(t))
	}
}

// TransientError marks a failure worth retrying with backoff (IO/network).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// DeterministicError marks a validation-style failure that must not crash
// the cell: it is recorded and the scheduler moves on.
type DeterministicError struct{ Err error }

func (e *DeterministicError) Error() string { return "deterministic: " + e.Err.Error() }
func (e *DeterministicError) Unwrap() error { return e.Err }

// InvariantViolationError marks a broken protocol invariant on the cell's
// own chain (e.g. a head-seq gap); the cell is quarantined.
type InvariantViolationError struct{ Err error }

func (e *InvariantViolationError) Error() string { return "invariant violation: " + e.Err.Error() }
func (e *InvariantViolationError) Unwrap() error { return e.Err }

// WorkFn is one trigger's unit of work for a single run.
type WorkFn func(ctx context.Context) error

// ErrQuarantined is returned by Fire once the cell has been quarantined.
var ErrQuarantined = errors.New("workflow: cell is quarantined")

// Scheduler runs one cell's workflow triggers.
type Scheduler struct {
	Debounce   time.Duration
	NewBackOff func() backoff.BackOff
	OnRecorded func(t Trigger, err error) // called for each DeterministicError, for host-visible logging
	OnQuarantine func(t Trigger, err error)

	mu          sync.Mutex
	work        map[Trigger]WorkFn
	timerSet    map[Trigger]bool
	running     map[Trigger]bool
	rerun       map[Trigger]bool
	quarantined bool
}

// NewScheduler constructs a Scheduler with the given debounce window.
func NewScheduler(debounce time.Duration) *Scheduler {
	return &Scheduler{
		Debounce: debounce,
		work:     make(map[Trigger]WorkFn),
		timerSet: make(map[Trigger]bool),
		running:  make(map[Trigger]bool),
		rerun:    make(map[Trigger]bool),
	}
}

// Register associates fn with t, replacing any previous registration.
func (s *Scheduler) Register(t Trigger, fn WorkFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.work[t] = fn
}

func (s *Scheduler) newBackOff() backoff.BackOff {
	if s.NewBackOff != nil {
		return s.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	return b
}

// Fire activates t. Within the debounce window, repeated fires for the
// same trigger coalesce into the single run the first fire already
// scheduled.
func (s *Scheduler) Fire(t Trigger) error {
	s.mu.Lock()
	if s.quarantined {
		s.mu.Unlock()
		return ErrQuarantined
	}
	if _, ok := s.work[t]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("workflow: no work registered for trigger %s", t)
	}
	if s.timerSet[t] {
		s.mu.Unlock()
		return nil // already debounced, this fire coalesces into it
	}
	s.timerSet[t] = true
	s.mu.Unlock()

	time.AfterFunc(s.Debounce, func() {
		s.mu.Lock()
		s.timerSet[t] = false
		s.mu.Unlock()
		s.startRun(t)
	})
	return nil
}

func (s *Scheduler) startRun(t Trigger) {
	s.mu.Lock()
	if s.quarantined {
		s.mu.Unlock()
		return
	}
	if s.running[t] {
		s.rerun[t] = true
		s.mu.Unlock()
		return
	}
	s.running[t] = true
	s.mu.Unlock()
	go s.runLoop(t)
}

func (s *Scheduler) runLoop(t Trigger) {
	for {
		err := s.runOnce(t)
		s.handleResult(t, err)

		s.mu.Lock()
		if s.rerun[t] && !s.quarantined {
			s.rerun[t] = false
			s.mu.Unlock()
			continue
		}
		s.running[t] = false
		s.mu.Unlock()
		return
	}
}

// runOnce executes the trigger's work, retrying with backoff as long as
// the failure is a TransientError; any other error (or exhausted retries)
// is returned as-is for classification.
func (s *Scheduler) runOnce(t Trigger) error {
	s.mu.Lock()
	fn := s.work[t]
	s.mu.Unlock()
	if fn == nil {
		return nil
	}

	operation := func() error {
		err := fn(context.Background())
		if err == nil {
			return nil
		}
		var transient *TransientError
		if errors.As(err, &transient) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, s.newBackOff())
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err // transient retries exhausted
}

func (s *Scheduler) handleResult(t Trigger, err error) {
	if err == nil {
		return
	}
	var invariant *InvariantViolationError
	if errors.As(err, &invariant) {
		s.mu.Lock()
		s.quarantined = true
		s.mu.Unlock()
		if s.OnQuarantine != nil {
			s.OnQuarantine(t, err)
		}
		return
	}
	// Deterministic failures, and transient failures whose retry budget was
	// exhausted, are both recorded without crashing the cell.
	if s.OnRecorded != nil {
		s.OnRecorded(t, err)
	}
}

// Quarantined reports whether the cell has been quarantined by an
// InvariantViolationError.
func (s *Scheduler) Quarantined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantined
}

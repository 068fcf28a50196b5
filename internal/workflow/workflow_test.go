package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func fastBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 2 * time.Millisecond
	b.MaxElapsedTime = 200 * time.Millisecond
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestFireRunsRegisteredWork(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	s.NewBackOff = fastBackOff
	var ran int32
	s.Register(TriggerIntegrateDhtOps, func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	if err := s.Fire(TriggerIntegrateDhtOps); err != nil {
		t.Fatalf("fire: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&ran) == 1 })
}

func TestFireWithoutRegistrationErrors(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	if err := s.Fire(TriggerPublishDhtOps); err == nil {
		t.Fatalf("expected error firing an unregistered trigger")
	}
}

func TestRepeatedFiresWithinDebounceCoalesce(t *testing.T) {
	s := NewScheduler(20 * time.Millisecond)
	s.NewBackOff = fastBackOff
	var runs int32
	s.Register(TriggerSysValidation, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	for i := 0; i < 5; i++ {
		if err := s.Fire(TriggerSysValidation); err != nil {
			t.Fatalf("fire: %v", err)
		}
	}
	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("expected exactly one coalesced run, got %d", got)
	}
}

func TestFireDuringRunSchedulesOneRerun(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	s.NewBackOff = fastBackOff
	var runs int32
	release := make(chan struct{})
	var mu sync.Mutex
	started := false
	s.Register(TriggerAppValidation, func(ctx context.Context) error {
		mu.Lock()
		if !started {
			started = true
			mu.Unlock()
			<-release
		} else {
			mu.Unlock()
		}
		atomic.AddInt32(&runs, 1)
		return nil
	})
	if err := s.Fire(TriggerAppValidation); err != nil {
		t.Fatalf("fire: %v", err)
	}
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return started })
	// Fire again while the first run is blocked in its critical section.
	for i := 0; i < 3; i++ {
		if err := s.Fire(TriggerAppValidation); err != nil {
			t.Fatalf("fire: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	close(release)
	waitFor(t, func() bool { return atomic.LoadInt32(&runs) == 2 })
}

func TestTransientErrorRetriesUntilSuccess(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	s.NewBackOff = fastBackOff
	var attempts int32
	done := make(chan struct{})
	s.Register(TriggerPublishDhtOps, func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return &TransientError{Err: errors.New("dial failed")}
		}
		close(done)
		return nil
	})
	if err := s.Fire(TriggerPublishDhtOps); err != nil {
		t.Fatalf("fire: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected eventual success after retries")
	}
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", attempts)
	}
}

func TestDeterministicErrorIsRecordedNotFatal(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	s.NewBackOff = fastBackOff
	var recorded int32
	s.OnRecorded = func(tr Trigger, err error) { atomic.AddInt32(&recorded, 1) }
	s.Register(TriggerCountersigning, func(ctx context.Context) error {
		return &DeterministicError{Err: errors.New("bad signature")}
	})
	if err := s.Fire(TriggerCountersigning); err != nil {
		t.Fatalf("fire: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&recorded) == 1 })
	if s.Quarantined() {
		t.Fatalf("deterministic failure must not quarantine the cell")
	}
}

func TestInvariantViolationQuarantinesCell(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	s.NewBackOff = fastBackOff
	quarantined := make(chan struct{})
	s.OnQuarantine = func(tr Trigger, err error) { close(quarantined) }
	s.Register(TriggerIntegrateDhtOps, func(ctx context.Context) error {
		return &InvariantViolationError{Err: errors.New("chain head seq gap")}
	})
	if err := s.Fire(TriggerIntegrateDhtOps); err != nil {
		t.Fatalf("fire: %v", err)
	}
	select {
	case <-quarantined:
	case <-time.After(time.Second):
		t.Fatalf("expected quarantine callback")
	}
	waitFor(t, func() bool { return s.Quarantined() })
	if err := s.Fire(TriggerIntegrateDhtOps); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("expected ErrQuarantined after quarantine, got %v", err)
	}
}

func TestDifferentTriggersRunConcurrently(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	s.NewBackOff = fastBackOff
	var inFlight int32
	bothSeen := make(chan struct{})
	var once sync.Once
	track := func(ctx context.Context) error {
		if atomic.AddInt32(&inFlight, 1) == 2 {
			once.Do(func() { close(bothSeen) })
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}
	s.Register(TriggerSysValidation, track)
	s.Register(TriggerAppValidation, track)
	if err := s.Fire(TriggerSysValidation); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if err := s.Fire(TriggerAppValidation); err != nil {
		t.Fatalf("fire: %v", err)
	}
	select {
	case <-bothSeen:
	case <-time.After(time.Second):
		t.Fatalf("expected both triggers to run concurrently")
	}
}

package statemachine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestValidTransitionSequence(t *testing.T) {
	m := New()
	if m.Current() != Idle {
		t.Fatalf("expected initial state Idle, got %s", m.Current())
	}

	err := m.Start(context.Background(), func(ctx context.Context) error { return nil }, nil)
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if m.Current() != Streaming {
		t.Fatalf("expected Streaming after successful start, got %s", m.Current())
	}

	if err := m.Complete(); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	if m.Current() != Completed {
		t.Fatalf("expected Completed, got %s", m.Current())
	}
}

func TestTerminalStateRejectsFurtherTransitions(t *testing.T) {
	m := New()
	m.Start(context.Background(), func(ctx context.Context) error { return nil }, nil)
	m.Complete()

	if err := m.Fail(); err == nil {
		t.Errorf("expected error transitioning out of a terminal state")
	}
}

func TestStartRetriesWithBackoffThenFails(t *testing.T) {
	m := New()
	attempts := 0
	retries := 0

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := m.Start(ctx, func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	}, func(attempt int, err error) {
		retries++
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected failure after exhausting retries")
	}
	if attempts != startupAttempts {
		t.Errorf("expected %d attempts, got %d", startupAttempts, attempts)
	}
	if retries != startupAttempts-1 {
		t.Errorf("expected %d retry callbacks, got %d", startupAttempts-1, retries)
	}
	if m.Current() != Failed {
		t.Errorf("expected Failed state, got %s", m.Current())
	}
	// backoff sequence is 1s + 2s = 3s minimum between 3 attempts.
	if elapsed < 3*time.Second {
		t.Errorf("expected backoff delay to elapse, only took %s", elapsed)
	}
}

func TestStartSucceedsAfterTransientFailure(t *testing.T) {
	m := New()
	attempts := 0
	err := m.Start(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, err error) {})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Current() != Streaming {
		t.Errorf("expected Streaming, got %s", m.Current())
	}
}

func TestRecordChunkDelayCapsHistory(t *testing.T) {
	m := New()
	for i := 0; i < delayHistoryLimit+20; i++ {
		m.RecordChunkDelay(time.Millisecond)
	}
	m.mu.Lock()
	n := len(m.delays)
	m.mu.Unlock()
	if n != delayHistoryLimit {
		t.Errorf("expected history capped at %d, got %d", delayHistoryLimit, n)
	}
}

func TestDegradingOnHighAverage(t *testing.T) {
	m := New()
	for i := 0; i < 10; i++ {
		m.RecordChunkDelay(200 * time.Millisecond)
	}
	if !m.Degrading() {
		t.Errorf("expected degrading=true for high average delay")
	}
}

func TestDegradingOnSingleSpike(t *testing.T) {
	m := New()
	m.RecordChunkDelay(10 * time.Millisecond)
	m.RecordChunkDelay(600 * time.Millisecond)
	if !m.Degrading() {
		t.Errorf("expected degrading=true for single >500ms spike")
	}
}

func TestNotDegradingUnderNormalDelays(t *testing.T) {
	m := New()
	for i := 0; i < 10; i++ {
		m.RecordChunkDelay(10 * time.Millisecond)
	}
	if m.Degrading() {
		t.Errorf("expected degrading=false for normal delays")
	}
}

func TestHeartbeatFailsAfterConsecutiveStaleProbes(t *testing.T) {
	m := New()
	m.Start(context.Background(), func(ctx context.Context) error { return nil }, nil)

	failedCh := make(chan struct{})
	m.OnStateChange(func(from, to State) {
		if to == Failed {
			close(failedCh)
		}
	})

	origInterval := heartbeatInterval
	_ = origInterval
	stop := m.StartHeartbeat(func() time.Duration { return 20 * time.Second })
	defer stop()

	select {
	case <-failedCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected Failed state after stale heartbeats, timed out")
	}
}

func TestHeartbeatStaysStreamingWhenLive(t *testing.T) {
	m := New()
	m.Start(context.Background(), func(ctx context.Context) error { return nil }, nil)

	stop := m.StartHeartbeat(func() time.Duration { return 0 })
	time.Sleep(1500 * time.Millisecond)
	stop()

	if m.Current() != Streaming {
		t.Errorf("expected Streaming to persist with live heartbeat, got %s", m.Current())
	}
}

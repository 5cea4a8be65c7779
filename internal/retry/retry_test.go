package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MrEthical07/authkernel/internal/clock"
)

// immediateTimer fires at once and records requested delays.
type immediateTimer struct {
	delays []time.Duration
	ch     chan time.Time
}

func newImmediateTimer() *immediateTimer {
	return &immediateTimer{ch: make(chan time.Time, 1)}
}

func (t *immediateTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.ch <- time.Time{}
}

func (t *immediateTimer) Stop() {}

func (t *immediateTimer) C() <-chan time.Time { return t.ch }

func TestPolicyBackOffDoublesUpToCap(t *testing.T) {
	p := Policy{MaxRetries: 6, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	b := p.BackOff()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
		backoff.Stop,
	}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("NextBackOff #%d = %v, want %v", i, got, w)
		}
	}
}

func TestDoSucceedsOnThirdAttemptWithDoublingDelays(t *testing.T) {
	timer := newImmediateTimer()
	p := Policy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}

	calls := 0
	var notified []int
	got, attempts, err := Do(p, timer, func(attempt int) (string, error) {
		calls++
		if attempt < 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, func(attempt int, _ error, _ time.Duration) {
		notified = append(notified, attempt)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || attempts != 3 || calls != 3 {
		t.Fatalf("got=%q attempts=%d calls=%d", got, attempts, calls)
	}
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}
	if len(timer.delays) != len(want) || timer.delays[0] != want[0] || timer.delays[1] != want[1] {
		t.Fatalf("unexpected delays %v, want %v", timer.delays, want)
	}
	if len(notified) != 2 || notified[0] != 0 || notified[1] != 1 {
		t.Fatalf("unexpected notify attempts %v", notified)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	timer := newImmediateTimer()
	p := Policy{MaxRetries: 2, BaseDelay: time.Millisecond}
	cause := errors.New("down")

	_, attempts, err := Do(p, timer, func(int) (int, error) {
		return 0, cause
	}, nil)
	if !errors.Is(err, cause) {
		t.Fatalf("expected last cause, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d", attempts)
	}
}

func TestDoZeroRetriesRunsOnce(t *testing.T) {
	timer := newImmediateTimer()
	_, attempts, err := Do(Policy{}, timer, func(int) (int, error) {
		return 0, errors.New("fail")
	}, nil)
	if err == nil || attempts != 1 {
		t.Fatalf("expected single failed attempt, got attempts=%d err=%v", attempts, err)
	}
	if len(timer.delays) != 0 {
		t.Fatalf("expected no waits, got %v", timer.delays)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	timer := newImmediateTimer()
	fatal := errors.New("fatal")
	_, attempts, err := Do(Policy{MaxRetries: 5, BaseDelay: time.Millisecond}, timer, func(int) (int, error) {
		return 0, Permanent(fatal)
	}, nil)
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestClockTimerWaitsOnFakeClock(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	p := Policy{MaxRetries: 1, BaseDelay: time.Second}

	done := make(chan int, 1)
	go func() {
		_, attempts, _ := Do(p, ClockTimer(fc), func(attempt int) (int, error) {
			if attempt == 0 {
				return 0, errors.New("retry me")
			}
			return 1, nil
		}, nil)
		done <- attempts
	}()

	if !fc.BlockUntil(1, time.Second) {
		t.Fatal("retry loop never armed its timer")
	}
	fc.Advance(time.Second)

	select {
	case attempts := <-done:
		if attempts != 2 {
			t.Fatalf("expected 2 attempts, got %d", attempts)
		}
	case <-time.After(time.Second):
		t.Fatal("retry loop did not resume after advance")
	}
}

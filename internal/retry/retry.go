// Package retry runs an operation under an exponential backoff policy.
//
// The delay before retry n (0-based) is BaseDelay * 2^n with no jitter, capped
// at MaxDelay. The policy is a thin configuration of cenkalti/backoff so the
// delay math stays auditable in one place.
package retry

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MrEthical07/authkernel/internal/clock"
)

const defaultMaxDelay = 24 * time.Hour

// Policy bounds the retry loop.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}
	return defaultMaxDelay
}

// BackOff builds the backoff.BackOff equivalent of p.
func (p Policy) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.maxDelay()
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Notify observes a failed attempt before the loop waits delay.
type Notify func(attempt int, err error, delay time.Duration)

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Do calls op until it succeeds, returns a permanent error, or the policy is
// exhausted. It returns the last result, the number of attempts made, and the
// last error. A nil timer waits on the real clock.
func Do[T any](p Policy, timer backoff.Timer, op func(attempt int) (T, error), notify Notify) (T, int, error) {
	var (
		result   T
		attempts int
	)
	operation := func() error {
		attempt := attempts
		attempts++
		res, err := op(attempt)
		if err != nil {
			return err
		}
		result = res
		return nil
	}
	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, d time.Duration) {
			notify(attempts-1, err, d)
		}
	}
	err := backoff.RetryNotifyWithTimer(operation, p.BackOff(), onRetry, timer)
	return result, attempts, err
}

// ClockTimer adapts a clock.Clock to backoff.Timer.
func ClockTimer(c clock.Clock) backoff.Timer {
	return &clockTimer{clock: c}
}

type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.NewTimer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C()
}

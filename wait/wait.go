// Package wait implements bounded polling with a fixed linear backoff.
//
// It is the only place where the oracle suspends: a produce function is called
// repeatedly until its outcome is accepted, confirmed absent, rejected outright,
// or the attempt budget runs out.
package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	attemptsCounter = metrics.NewRegisteredCounter("oracle/wait/attempts", nil)
	timeoutsCounter = metrics.NewRegisteredCounter("oracle/wait/timeouts", nil)
)

// Policy bounds a single Wait call.
type Policy struct {
	MaxAttempts int           // 0 = unlimited
	Backoff     time.Duration // sleep between attempts
}

// DefaultPolicy is used for ordinary RPC reads.
var DefaultPolicy = Policy{MaxAttempts: 30, Backoff: time.Second}

func (p Policy) String() string {
	if p.MaxAttempts == 0 {
		return fmt.Sprintf("unlimited x %v", p.Backoff)
	}
	return fmt.Sprintf("%d x %v", p.MaxAttempts, p.Backoff)
}

// Result is the non-error outcome of Wait: either an accepted value or a
// confirmed absence.
type Result[V any] struct {
	Value  V
	Absent bool
}

// Options carries the predicates applied to each outcome of produce.
type Options[V any] struct {
	// IsValueOK accepts a produced value. Nil accepts every value.
	IsValueOK func(V) bool
	// IsAbsent accepts an error as confirmation that the object does not exist.
	IsAbsent func(error) bool
	// FailImmediately stops the wait on a rejected outcome instead of retrying.
	// Exactly one of the value and the error is meaningful.
	FailImmediately func(V, error) bool
	// Logger receives retry traces. Nil means log.Root().
	Logger log.Logger
}

// Wait polls produce until one of the following holds:
//   - produce returns a value accepted by IsValueOK: the value is returned;
//   - produce returns an error accepted by IsAbsent: Result.Absent is set;
//   - produce returns a fatal error (see IsFatal): it is returned as is;
//   - FailImmediately holds for the rejected outcome: ErrUnexpectedValue or the
//     produce error is returned;
//   - the policy budget is spent: a *TimeoutError is returned.
func Wait[V any](ctx context.Context, produce func(context.Context) (V, error), opts Options[V], policy Policy) (Result[V], error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Root()
	}
	var (
		attempt int
		lastErr error
	)
	for {
		attempt++
		attemptsCounter.Inc(1)

		v, err := produce(ctx)
		switch {
		case err == nil:
			if opts.IsValueOK == nil || opts.IsValueOK(v) {
				return Result[V]{Value: v}, nil
			}
			if opts.FailImmediately != nil && opts.FailImmediately(v, nil) {
				return Result[V]{}, fmt.Errorf("%w: %v", ErrUnexpectedValue, v)
			}
			lastErr = nil
		case IsFatal(err):
			return Result[V]{}, err
		case opts.IsAbsent != nil && opts.IsAbsent(err):
			return Result[V]{Absent: true}, nil
		default:
			if opts.FailImmediately != nil && opts.FailImmediately(v, err) {
				return Result[V]{}, err
			}
			lastErr = err
		}

		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			timeoutsCounter.Inc(1)
			return Result[V]{}, &TimeoutError{Attempts: attempt, Last: lastErr}
		}
		logger.Trace("Outcome not accepted, retrying", "attempt", attempt, "policy", policy, "err", lastErr)

		if err := sleep(ctx, policy.Backoff); err != nil {
			return Result[V]{}, err
		}
	}
}

// Until is Wait for produce functions that only report success or failure.
func Until(ctx context.Context, cond func(context.Context) (bool, error), policy Policy) error {
	_, err := Wait(ctx, cond, Options[bool]{IsValueOK: func(ok bool) bool { return ok }}, policy)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 || ctx.Err() != nil {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

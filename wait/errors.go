package wait

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("wait: attempts exhausted")

	// ErrUnexpectedValue is returned when a produced value is rejected and the
	// caller asked to fail immediately on it.
	ErrUnexpectedValue = errors.New("wait: unexpected value")
)

// TimeoutError is returned when a bounded wait runs out of attempts without the
// success predicate holding.
type TimeoutError struct {
	Attempts int
	Last     error // last produce error, nil if the last outcome was a value
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("wait: gave up after %d attempts: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("wait: gave up after %d attempts", e.Attempts)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Last }

// AssertionError is a structural failure. It is never retried: Wait returns it
// as soon as produce reports it, whatever the predicates say.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string { return "assertion failed: " + e.Msg }

// Fatalf builds an *AssertionError.
func Fatalf(format string, args ...any) error {
	return &AssertionError{Msg: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err carries an *AssertionError anywhere in its chain.
func IsFatal(err error) bool {
	var ae *AssertionError
	return errors.As(err, &ae)
}

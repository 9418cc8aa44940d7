package wait

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fast = Policy{MaxAttempts: 5, Backoff: time.Millisecond}

func counting(outcomes ...func() (int, error)) (func(context.Context) (int, error), *int) {
	calls := 0
	return func(context.Context) (int, error) {
		i := calls
		calls++
		if i >= len(outcomes) {
			i = len(outcomes) - 1
		}
		return outcomes[i]()
	}, &calls
}

func value(v int) func() (int, error) { return func() (int, error) { return v, nil } }
func failure(err error) func() (int, error) {
	return func() (int, error) { return 0, err }
}

func TestWaitReturnsFirstAcceptedValue(t *testing.T) {
	produce, calls := counting(value(1), value(2), value(3))
	res, err := Wait(context.Background(), produce, Options[int]{
		IsValueOK: func(v int) bool { return v >= 2 },
	}, fast)
	require.NoError(t, err)
	require.False(t, res.Absent)
	require.Equal(t, 2, res.Value)
	require.Equal(t, 2, *calls)
}

func TestWaitRetriesTransientErrors(t *testing.T) {
	transient := errors.New("connection refused")
	produce, calls := counting(failure(transient), failure(transient), value(7))
	res, err := Wait(context.Background(), produce, Options[int]{}, fast)
	require.NoError(t, err)
	require.Equal(t, 7, res.Value)
	require.Equal(t, 3, *calls)
}

func TestWaitAbsence(t *testing.T) {
	notFound := errors.New("not found")
	produce, calls := counting(failure(notFound))
	res, err := Wait(context.Background(), produce, Options[int]{
		IsAbsent: func(err error) bool { return errors.Is(err, notFound) },
	}, fast)
	require.NoError(t, err)
	require.True(t, res.Absent)
	require.Equal(t, 1, *calls)
}

func TestWaitFatalIsNeverRetried(t *testing.T) {
	fatal := fmt.Errorf("block 3: %w", Fatalf("hash mismatch"))
	produce, calls := counting(failure(fatal), value(1))
	_, err := Wait(context.Background(), produce, Options[int]{
		// Even a predicate that would accept the error must not see it.
		IsAbsent: func(error) bool { return true },
	}, fast)
	require.ErrorIs(t, err, fatal)
	require.True(t, IsFatal(err))
	require.Equal(t, 1, *calls)
}

func TestWaitFailImmediately(t *testing.T) {
	t.Run("value", func(t *testing.T) {
		produce, calls := counting(value(5))
		_, err := Wait(context.Background(), produce, Options[int]{
			IsValueOK:       func(int) bool { return false },
			FailImmediately: func(v int, err error) bool { return err == nil },
		}, fast)
		require.ErrorIs(t, err, ErrUnexpectedValue)
		require.Equal(t, 1, *calls)
	})
	t.Run("error", func(t *testing.T) {
		boom := errors.New("process exited")
		produce, calls := counting(failure(boom))
		_, err := Wait(context.Background(), produce, Options[int]{
			FailImmediately: func(_ int, err error) bool { return err != nil },
		}, fast)
		require.Equal(t, boom, err)
		require.Equal(t, 1, *calls)
	})
}

func TestWaitTimeout(t *testing.T) {
	last := errors.New("still syncing")
	produce, calls := counting(failure(last))
	_, err := Wait(context.Background(), produce, Options[int]{}, fast)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, last)
	require.False(t, IsFatal(err))

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, fast.MaxAttempts, te.Attempts)
	require.Equal(t, fast.MaxAttempts, *calls)
}

func TestWaitUnlimitedStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	produce, calls := counting(failure(errors.New("nope")))
	wrapped := func(ctx context.Context) (int, error) {
		if *calls == 10 {
			cancel()
		}
		return produce(ctx)
	}
	_, err := Wait(ctx, wrapped, Options[int]{}, Policy{Backoff: time.Millisecond})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 11, *calls)
}

func TestUntil(t *testing.T) {
	n := 0
	err := Until(context.Background(), func(context.Context) (bool, error) {
		n++
		return n == 3, nil
	}, fast)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	err = Until(context.Background(), func(context.Context) (bool, error) { return false, nil }, fast)
	require.ErrorIs(t, err, ErrTimeout)
}

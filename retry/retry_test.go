package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errFlaky = errors.New("flaky")
	errFatal = errors.New("fatal")
)

// failing 前k次返回err，之后返回"ok"
func failing(k int, err error, calls *int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls++
		if *calls <= k {
			return "", err
		}
		return "ok", nil
	}
}

func TestRunSucceedsAfterFailures(t *testing.T) {
	for k := 0; k < 4; k++ {
		var calls int
		res, attempts, err := Run(context.Background(), failing(k, errFlaky, &calls), Policy{MaxAttempts: k + 1})
		if err != nil {
			t.Fatalf("k=%d: unexpected err %v", k, err)
		}
		if res != "ok" {
			t.Fatalf("k=%d: got %q", k, res)
		}
		if attempts != k+1 || calls != k+1 {
			t.Fatalf("k=%d: attempts=%d calls=%d, want %d", k, attempts, calls, k+1)
		}
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	for _, max := range []int{1, 2, 3} {
		var calls int
		_, attempts, err := Run(context.Background(), failing(5, errFlaky, &calls), Policy{MaxAttempts: max})
		if !errors.Is(err, errFlaky) {
			t.Fatalf("max=%d: got err %v", max, err)
		}
		if attempts != max || calls != max {
			t.Fatalf("max=%d: attempts=%d calls=%d", max, attempts, calls)
		}
	}
}

func TestRunDoesNotRetryOtherKinds(t *testing.T) {
	var calls int
	_, attempts, err := Run(context.Background(), failing(5, errFatal, &calls), Policy{
		MaxAttempts: 5,
		RetryOn:     On(errFlaky),
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("got err %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("attempts=%d calls=%d, want 1", attempts, calls)
	}
}

func TestRunRetriesWrappedKind(t *testing.T) {
	var calls int
	op := func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.Join(errors.New("dial tcp"), errFlaky)
		}
		return 42, nil
	}
	res, attempts, err := Run(context.Background(), op, Policy{MaxAttempts: 3, RetryOn: On(errFlaky)})
	if err != nil || res != 42 || attempts != 3 {
		t.Fatalf("res=%d attempts=%d err=%v", res, attempts, err)
	}
}

func TestRunWaitsBetweenAttempts(t *testing.T) {
	var calls int
	wait := 20 * time.Millisecond
	start := time.Now()
	_, attempts, err := Run(context.Background(), failing(2, errFlaky, &calls), Policy{MaxAttempts: 3, Wait: wait})
	if err != nil || attempts != 3 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
	if took := time.Since(start); took < 2*wait {
		t.Fatalf("expected at least %v of waiting, took %v", 2*wait, took)
	}
}

func TestRunStopsWaitingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	op := func(context.Context) (string, error) {
		calls++
		cancel()
		return "", errFlaky
	}
	_, attempts, err := Run(ctx, op, Policy{MaxAttempts: 5, Wait: time.Hour})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, errFlaky) {
		t.Fatalf("got err %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts=%d", attempts)
	}
}

func TestDo(t *testing.T) {
	var calls int
	attempts, err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errFlaky
		}
		return nil
	}, Policy{MaxAttempts: 2})
	if err != nil || attempts != 2 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kingrea/reelflow/internal/task"
)

func instantPolicy(max int) (Policy, *[]time.Duration) {
	var waits []time.Duration
	p := Policy{
		MaxAttempts: max,
		Base:        time.Second,
		Cap:         10 * time.Second,
		Rand:        func() float64 { return 0.5 },
		Sleep: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return ctx.Err()
		},
	}
	return p, &waits
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	policy, waits := instantPolicy(4)
	calls := 0
	out, err := policy.Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls <= 2 {
			return task.Transient("rate limited", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if out.Attempts != 3 || len(out.History) != 2 {
		t.Fatalf("expected 3 attempts and 2 failures, got %d/%d", out.Attempts, len(out.History))
	}
	if len(*waits) != 2 || (*waits)[0] != time.Second || (*waits)[1] != 2*time.Second {
		t.Fatalf("unexpected backoff waits %v", *waits)
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	policy, _ := instantPolicy(3)
	calls := 0
	out, err := policy.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("503 service unavailable")
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if calls != 3 || out.Attempts != 3 || exhausted.Attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got calls=%d outcome=%d", calls, out.Attempts)
	}
	if kind, _ := task.KindOf(err); kind != task.KindTransient {
		t.Fatalf("expected transient kind, got %s", kind)
	}
	if out.History[2].Backoff != 0 {
		t.Fatalf("final attempt should not schedule a backoff")
	}
}

func TestDoFatalShortCircuits(t *testing.T) {
	policy, waits := instantPolicy(5)
	calls := 0
	out, err := policy.Do(context.Background(), func(context.Context, int) error {
		calls++
		return task.Fatal("invalid prompt", nil)
	})
	if calls != 1 || out.Attempts != 1 || len(*waits) != 0 {
		t.Fatalf("fatal error must not retry, calls=%d waits=%v", calls, *waits)
	}
	if kind, _ := task.KindOf(err); kind != task.KindFatal {
		t.Fatalf("expected fatal, got %v", err)
	}
}

func TestDoCancellationAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 5, Base: time.Hour, Cap: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := policy.Do(ctx, func(context.Context, int) error {
			calls++
			return task.Transient("timeout", nil)
		})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if kind, _ := task.KindOf(err); kind != task.KindCancelled {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancellation did not abort the backoff wait")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestDelayCapsAndJitters(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 5 * time.Second, Jitter: 0.5, Rand: func() float64 { return 0 }}
	if got := p.Delay(10); got != 2500*time.Millisecond {
		t.Fatalf("expected capped delay minus half jitter, got %s", got)
	}
	p.Rand = func() float64 { return 0.999999 }
	if got := p.Delay(1); got < 1400*time.Millisecond || got > 1500*time.Millisecond {
		t.Fatalf("expected delay near upper jitter bound, got %s", got)
	}
}

func TestOnAttemptFailedObservesEachFailure(t *testing.T) {
	policy, _ := instantPolicy(3)
	var seen []int
	policy.OnAttemptFailed = func(a Attempt) { seen = append(seen, a.Number) }
	_, _ = policy.Do(context.Background(), func(context.Context, int) error {
		return task.Transient("flaky", nil)
	})
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("unexpected observed attempts %v", seen)
	}
}

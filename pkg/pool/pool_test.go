package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/statvar-ingest/pkg/ratelimit"
)

func targets(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("t%03d", i)
	}
	return out
}

func TestDefaultSize(t *testing.T) {
	if got := DefaultSize(); got < 2 {
		t.Errorf("DefaultSize() = %d, want >= 2", got)
	}
}

func TestNew_Defaults(t *testing.T) {
	e := New(Config{}, ratelimit.Unlimited{})
	if e.Workers() != DefaultSize() {
		t.Errorf("Workers() = %d, want %d", e.Workers(), DefaultSize())
	}
}

func TestNew_NilLimiterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New(nil limiter) did not panic")
		}
	}()
	New(Config{Workers: 2}, nil)
}

func TestRun_AllTargetsProcessedOnce(t *testing.T) {
	e := New(Config{Workers: 4}, ratelimit.Unlimited{})

	var mu sync.Mutex
	seen := make(map[string]int)
	report := e.Run(context.Background(), targets(100), func(ctx context.Context, target string, _ ratelimit.Limiter) error {
		mu.Lock()
		seen[target]++
		mu.Unlock()
		return nil
	})

	if report.Err() != nil {
		t.Fatalf("Report.Err() = %v", report.Err())
	}
	if report.Total != 100 || len(report.Succeeded) != 100 {
		t.Errorf("Total = %d, Succeeded = %d; want 100, 100", report.Total, len(report.Succeeded))
	}
	for target, n := range seen {
		if n != 1 {
			t.Errorf("target %s processed %d times", target, n)
		}
	}
	if len(seen) != 100 {
		t.Errorf("processed %d distinct targets, want 100", len(seen))
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	e := New(Config{Workers: 3}, ratelimit.Unlimited{})
	boom := errors.New("boom")

	report := e.Run(context.Background(), []string{"ok1", "bad", "ok2", "panics", "ok3"},
		func(ctx context.Context, target string, _ ratelimit.Limiter) error {
			switch target {
			case "bad":
				return boom
			case "panics":
				panic("unexpected record shape")
			}
			return nil
		})

	if len(report.Succeeded) != 3 {
		t.Errorf("Succeeded = %v, want 3 targets", report.Succeeded)
	}
	if !errors.Is(report.Failed["bad"], boom) {
		t.Errorf("Failed[bad] = %v, want boom", report.Failed["bad"])
	}
	if !errors.Is(report.Failed["panics"], ErrPanic) {
		t.Errorf("Failed[panics] = %v, want ErrPanic", report.Failed["panics"])
	}

	err := report.Err()
	if err == nil {
		t.Fatal("Report.Err() = nil, want joined failures")
	}
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), `partition "panics"`) {
		t.Errorf("Report.Err() = %v", err)
	}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	e := New(Config{Workers: 3}, ratelimit.Unlimited{})

	var active, peak atomic.Int32
	e.Run(context.Background(), targets(20), func(ctx context.Context, target string, _ ratelimit.Limiter) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

type recordingLimiter struct {
	calls atomic.Int32
}

func (l *recordingLimiter) Wait(ctx context.Context) error {
	l.calls.Add(1)
	return nil
}

func TestRun_SharesInjectedLimiter(t *testing.T) {
	limiter := &recordingLimiter{}
	e := New(Config{Workers: 4}, limiter)

	e.Run(context.Background(), targets(10), func(ctx context.Context, target string, l ratelimit.Limiter) error {
		if l != limiter {
			return errors.New("task received a different limiter")
		}
		return l.Wait(ctx)
	})

	if limiter.calls.Load() != 10 {
		t.Errorf("limiter calls = %d, want 10", limiter.calls.Load())
	}
}

func TestRun_CancelledContext(t *testing.T) {
	e := New(Config{Workers: 2}, ratelimit.Unlimited{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	report := e.Run(ctx, targets(5), func(ctx context.Context, target string, _ ratelimit.Limiter) error {
		ran.Add(1)
		return nil
	})

	if ran.Load() != 0 {
		t.Errorf("tasks ran = %d after cancel, want 0", ran.Load())
	}
	if len(report.Failed) != 5 {
		t.Errorf("Failed = %d, want 5", len(report.Failed))
	}
	if !errors.Is(report.Err(), context.Canceled) {
		t.Errorf("Report.Err() = %v, want context.Canceled", report.Err())
	}
}

func TestRun_Empty(t *testing.T) {
	e := New(Config{Workers: 2}, ratelimit.Unlimited{})
	report := e.Run(context.Background(), nil, func(context.Context, string, ratelimit.Limiter) error {
		t.Error("task called for empty target list")
		return nil
	})
	if report.Total != 0 || report.Err() != nil {
		t.Errorf("Run(nil) = %+v", report)
	}
}

func TestReport_Merge(t *testing.T) {
	a := &Report{Total: 2, Succeeded: []string{"a"}, Failed: map[string]error{"b": errors.New("b")}}
	b := &Report{Total: 1, Succeeded: []string{"c"}}
	c := &Report{Total: 1, Failed: map[string]error{"d": errors.New("d")}}

	total := &Report{}
	total.Merge(a)
	total.Merge(b)
	total.Merge(c)
	total.Merge(nil)

	sort.Strings(total.Succeeded)
	if total.Total != 4 || len(total.Succeeded) != 2 || len(total.Failed) != 2 {
		t.Errorf("merged report = %+v", total)
	}
}

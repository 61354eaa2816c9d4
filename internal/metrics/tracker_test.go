package metrics

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"mystic/internal/identity"
)

var testID = identity.New("app", "Work")

func TestTrackBasics(t *testing.T) {
	tr := New()
	durations := []time.Duration{5 * time.Millisecond, 1 * time.Millisecond, 9 * time.Millisecond}
	for _, d := range durations {
		tr.Track(testID, d, nil)
	}

	e, ok := tr.Get(testID)
	if !ok {
		t.Fatal("entry missing")
	}
	if e.CallCount != 3 {
		t.Errorf("CallCount = %d, want 3", e.CallCount)
	}
	if e.TotalTime != 15*time.Millisecond {
		t.Errorf("TotalTime = %v", e.TotalTime)
	}
	if e.MinTime != 1*time.Millisecond || e.MaxTime != 9*time.Millisecond {
		t.Errorf("min/max = %v/%v", e.MinTime, e.MaxTime)
	}
	if e.LastTime != 9*time.Millisecond {
		t.Errorf("LastTime = %v", e.LastTime)
	}
	if e.LastCall.IsZero() {
		t.Error("LastCall not stamped")
	}
}

func TestTrackOutcomeErrors(t *testing.T) {
	tr := New()
	tr.TrackOutcome(testID, time.Millisecond, nil, true)
	tr.TrackOutcome(testID, time.Millisecond, nil, false)
	e, _ := tr.Get(testID)
	if e.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", e.Errors)
	}
}

func TestMemoryDelta(t *testing.T) {
	tr := New()
	d1, d2 := int64(100), int64(300)
	tr.Track(testID, time.Millisecond, &d1)
	tr.Track(testID, time.Millisecond, &d2)
	tr.Track(testID, time.Millisecond, nil) // probe failure: no sample
	e, _ := tr.Get(testID)
	if e.MemTotal != 400 || e.MemPeak != 300 {
		t.Fatalf("mem total/peak = %d/%d", e.MemTotal, e.MemPeak)
	}
}

func TestReset(t *testing.T) {
	tr := New()
	other := identity.New("app", "Other")
	tr.Track(testID, time.Millisecond, nil)
	tr.Track(other, time.Millisecond, nil)

	tr.Reset(testID)
	if _, ok := tr.Get(testID); ok {
		t.Fatal("entry survived targeted reset")
	}
	if _, ok := tr.Get(other); !ok {
		t.Fatal("unrelated entry dropped")
	}

	tr.Reset()
	if len(tr.Snapshot()) != 0 {
		t.Fatal("full reset left entries")
	}
}

func TestThresholdCallback(t *testing.T) {
	tr := New()
	var mu sync.Mutex
	fired := 0
	tr.OnThreshold(ThresholdCallCount, 2, func(id identity.Identity, e Entry, kind ThresholdKind, limit float64) {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	for i := 0; i < 4; i++ {
		tr.Track(testID, time.Millisecond, nil)
	}
	mu.Lock()
	defer mu.Unlock()
	if fired != 2 { // calls 3 and 4 exceed the limit
		t.Fatalf("threshold fired %d times, want 2", fired)
	}
}

func TestThresholdPanicSwallowed(t *testing.T) {
	tr := New()
	tr.OnThreshold(ThresholdCallCount, 0, func(identity.Identity, Entry, ThresholdKind, float64) {
		panic("boom")
	})
	tr.Track(testID, time.Millisecond, nil) // must not panic
}

func TestConcurrentUpdatesAtomic(t *testing.T) {
	tr := New()
	const workers = 8
	const perWorker = 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tr.Track(testID, time.Microsecond, nil)
			}
		}()
	}
	wg.Wait()
	e, _ := tr.Get(testID)
	if e.CallCount != workers*perWorker {
		t.Fatalf("CallCount = %d, want %d", e.CallCount, workers*perWorker)
	}
	if e.TotalTime != time.Duration(workers*perWorker)*time.Microsecond {
		t.Fatalf("TotalTime = %v", e.TotalTime)
	}
}

func TestGenerateReport(t *testing.T) {
	tr := New()
	a, b := identity.New("app", "A"), identity.New("app", "B")
	tr.Track(a, 10*time.Millisecond, nil)
	tr.Track(b, 1*time.Millisecond, nil)
	tr.Track(b, 1*time.Millisecond, nil)

	rep := tr.GenerateReport(5)
	if rep.FunctionCount != 2 || rep.TotalCalls != 3 {
		t.Fatalf("report summary wrong: %+v", rep)
	}
	if rep.TopByTotalTime[0].Function != "app.A" {
		t.Errorf("top by time = %s", rep.TopByTotalTime[0].Function)
	}
	if rep.TopByCalls[0].Function != "app.B" {
		t.Errorf("top by calls = %s", rep.TopByCalls[0].Function)
	}
}

// Welford accumulation must agree with the two-pass formulas.
func TestMetricsConsistencyProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("count/total/min/max/mean agree with direct computation", prop.ForAll(
		func(micros []int64) bool {
			if len(micros) == 0 {
				return true
			}
			tr := New()
			var total time.Duration
			minD, maxD := time.Duration(math.MaxInt64), time.Duration(0)
			for _, us := range micros {
				d := time.Duration(us) * time.Microsecond
				tr.Track(testID, d, nil)
				total += d
				if d < minD {
					minD = d
				}
				if d > maxD {
					maxD = d
				}
			}
			e, _ := tr.Get(testID)
			if e.CallCount != int64(len(micros)) || e.TotalTime != total {
				return false
			}
			if e.MinTime != minD || e.MaxTime != maxD {
				return false
			}
			want := total.Seconds() / float64(len(micros))
			return math.Abs(e.Mean-want) < 1e-9
		},
		gen.SliceOf(gen.Int64Range(1, 1_000_000)),
	))

	properties.TestingRun(t)
}

func TestVariance(t *testing.T) {
	tr := New()
	for _, us := range []int64{100, 200, 300} {
		tr.Track(testID, time.Duration(us)*time.Microsecond, nil)
	}
	e, _ := tr.Get(testID)
	// Sample variance of {100,200,300}µs in seconds² is (1e-4)².
	want := 1e-8
	if math.Abs(e.Variance()-want) > 1e-12 {
		t.Fatalf("Variance = %g, want %g", e.Variance(), want)
	}
}

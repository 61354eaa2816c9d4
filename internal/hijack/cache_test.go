package hijack

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mystic/internal/identity"
)

func countingCallable(counter *int64) Callable {
	return func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		atomic.AddInt64(counter, 1)
		if len(args) > 0 {
			if n, ok := args[0].(int); ok {
				return n * 2, nil
			}
		}
		return nil, nil
	}
}

func cacheCtx(args ...interface{}) *Context {
	return &Context{
		Identity: identity.New("app", "G"),
		Args:     args,
		Start:    time.Now(),
	}
}

func TestParseTTL(t *testing.T) {
	cases := map[string]time.Duration{
		"90s":  90 * time.Second,
		"5m":   5 * time.Minute,
		"1h":   time.Hour,
		"2d":   48 * time.Hour,
		"":     time.Hour,
		"junk": time.Hour,
		"-5s":  time.Hour,
	}
	for in, want := range cases {
		if got := ParseTTL(in); got != want {
			t.Errorf("ParseTTL(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCacheAtMostOneExecutionPerTTL(t *testing.T) {
	var execs int64
	c := NewCache("1h", WithCacheDir(t.TempDir()))
	orig := countingCallable(&execs)

	res1, err := c.Handle(cacheCtx(5), orig)
	if err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if !res1.Executed || res1.Value != 10 {
		t.Fatalf("first call: %+v", res1)
	}
	if hit := res1.Metadata["cache_hit"]; hit != false {
		t.Fatalf("first call should be a miss, metadata %v", res1.Metadata)
	}

	res2, err := c.Handle(cacheCtx(5), orig)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if res2.Value != 10 || res2.Metadata["cache_hit"] != true {
		t.Fatalf("second call should hit: %+v", res2)
	}
	if execs != 1 {
		t.Fatalf("original ran %d times, want 1", execs)
	}

	// Different args are a different key.
	if _, err := c.Handle(cacheCtx(7), orig); err != nil {
		t.Fatal(err)
	}
	if execs != 2 {
		t.Fatalf("distinct args should execute, execs = %d", execs)
	}
}

func TestCacheExpiry(t *testing.T) {
	var execs int64
	c := NewCache("10ms", WithCacheDir(""))
	orig := countingCallable(&execs)

	if _, err := c.Handle(cacheCtx(1), orig); err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)
	res, err := c.Handle(cacheCtx(1), orig)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata["cache_hit"] != false {
		t.Fatalf("expired entry served: %+v", res)
	}
	if execs != 2 {
		t.Fatalf("execs = %d, want 2", execs)
	}
}

func TestCacheDiskPromotion(t *testing.T) {
	dir := t.TempDir()
	var execs int64
	orig := countingCallable(&execs)

	first := NewCache("1h", WithCacheDir(dir))
	if _, err := first.Handle(cacheCtx(3), orig); err != nil {
		t.Fatal(err)
	}

	// A fresh strategy over the same directory simulates a new process: the
	// value must come back from disk without running the original.
	second := NewCache("1h", WithCacheDir(dir))
	res, err := second.Handle(cacheCtx(3), orig)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 6 || res.Metadata["cache_hit"] != true {
		t.Fatalf("disk hit expected: %+v", res)
	}
	if execs != 1 {
		t.Fatalf("execs = %d, want 1", execs)
	}
}

func TestCacheHasCachedValue(t *testing.T) {
	var execs int64
	c := NewCache("1h", WithCacheDir(""))
	orig := countingCallable(&execs)

	if c.HasCachedValue(cacheCtx(9)) {
		t.Fatal("no value should be cached yet")
	}
	if _, err := c.Handle(cacheCtx(9), orig); err != nil {
		t.Fatal(err)
	}
	if !c.HasCachedValue(cacheCtx(9)) {
		t.Fatal("value should be cached")
	}
	if execs != 1 {
		t.Fatalf("HasCachedValue must not execute, execs = %d", execs)
	}
}

func TestCacheStrictKeysRefuseUnstable(t *testing.T) {
	var execs int64
	c := NewCache("1h", WithCacheDir(""))
	orig := countingCallable(&execs)

	// A func argument has no stable repr.
	res, err := c.Handle(cacheCtx(func() {}), orig)
	if err != nil {
		t.Fatal(err)
	}
	if res.Executed {
		t.Fatalf("strict mode must pass through, got %+v", res)
	}
	if res.Metadata["cacheable"] != false {
		t.Fatalf("metadata should flag uncacheable args: %v", res.Metadata)
	}
}

func TestCacheOriginalFailureNotCached(t *testing.T) {
	c := NewCache("1h", WithCacheDir(""))
	calls := 0
	failing := func([]interface{}, map[string]interface{}) (interface{}, error) {
		calls++
		return nil, errBoom
	}
	res, err := c.Handle(cacheCtx(1), failing)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Executed || res.Err == nil {
		t.Fatalf("failure should propagate through the result: %+v", res)
	}
	// The failure is not memoized.
	if _, err := c.Handle(cacheCtx(1), failing); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("failed call was cached, calls = %d", calls)
	}
}

var errBoom = errorConst("boom")

type errorConst string

func (e errorConst) Error() string { return string(e) }

func TestCacheEviction(t *testing.T) {
	var execs int64
	c := NewCache("1h", WithCacheDir(""), WithMaxEntries(4))
	orig := countingCallable(&execs)
	for i := 0; i < 8; i++ {
		if _, err := c.Handle(cacheCtx(i), orig); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() > 4 {
		t.Fatalf("cache grew past cap: %d", c.Len())
	}
}

func TestCacheConcurrentFirstCallsCoalesced(t *testing.T) {
	var execs int64
	slow := func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		atomic.AddInt64(&execs, 1)
		time.Sleep(20 * time.Millisecond)
		return args[0], nil
	}
	c := NewCache("1h", WithCacheDir(""))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Handle(cacheCtx("same"), slow); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt64(&execs); got != 1 {
		t.Fatalf("concurrent first calls ran the original %d times, want 1", got)
	}
}

func TestCanonicalStability(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1}
	b := map[string]interface{}{"a": 1, "b": 2}
	ra, _ := canonical(a)
	rb, _ := canonical(b)
	if ra != rb {
		t.Fatalf("map ordering leaked into canonical form: %q vs %q", ra, rb)
	}

	if _, stable := canonical(func() {}); stable {
		t.Fatal("func repr must be flagged unstable")
	}
	if _, stable := canonical([]interface{}{1, "x", 2.5}); !stable {
		t.Fatal("plain values must be stable")
	}
}

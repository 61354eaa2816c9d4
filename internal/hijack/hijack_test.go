package hijack

import (
	"testing"
)

func topLevelTarget(x int) int { return x + 1 }

func TestHijackIdempotentDecoration(t *testing.T) {
	s1 := NewAnalysis()
	s2 := NewCache("1h", WithCacheDir(""))

	h1, proxy1, err := Hijack(topLevelTarget, []Strategy{s1})
	if err != nil {
		t.Fatal(err)
	}
	h2, proxy2, err := Hijack(topLevelTarget, []Strategy{s2})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("re-decoration must reuse the wrapper")
	}
	if len(h1.Strategies()) != 2 {
		t.Fatalf("strategies = %d, want 2 appended", len(h1.Strategies()))
	}

	// Both proxies route through the same wrapper.
	f1 := proxy1.(func(int) int)
	f2 := proxy2.(func(int) int)
	if f1(1) != 2 || f2(2) != 3 {
		t.Fatal("proxies broken")
	}
	if h1.CallCount() != 2 {
		t.Fatalf("CallCount = %d, want 2", h1.CallCount())
	}
	if len(s1.Observations()) != 2 {
		t.Fatalf("observations = %d", len(s1.Observations()))
	}
}

func TestConvenienceHelpers(t *testing.T) {
	_, cached, err := Cache(cacheHelperTarget, "1h", WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	f := cached.(func(int) int)
	if f(5) != 10 || f(5) != 10 {
		t.Fatal("cached proxy wrong")
	}

	analysis, analyzed, err := Analyze(analyzeHelperTarget)
	if err != nil {
		t.Fatal(err)
	}
	analyzed.(func(int) int)(1)
	if len(analysis.Observations()) != 1 {
		t.Fatal("analyze helper did not observe")
	}
}

func cacheHelperTarget(x int) int   { return x * 2 }
func analyzeHelperTarget(x int) int { return x }

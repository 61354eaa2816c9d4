package identity

import (
	"strings"
	"testing"
)

func sample(x int) int { return x }

func TestParse(t *testing.T) {
	id, err := Parse("pkg.sub.Func")
	if err != nil {
		t.Fatal(err)
	}
	if id.Module != "pkg.sub" || id.QualName != "Func" {
		t.Fatalf("parsed %+v", id)
	}
	if id.String() != "pkg.sub.Func" {
		t.Fatalf("String = %q", id.String())
	}

	for _, bad := range []string{"", "noDot", ".leading", "trailing."} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) should fail", bad)
		}
	}
}

func TestFromFunc(t *testing.T) {
	id, err := FromFunc(sample)
	if err != nil {
		t.Fatal(err)
	}
	if id.QualName != "sample" {
		t.Fatalf("qual name = %q", id.QualName)
	}
	if !strings.Contains(id.Module, "identity") {
		t.Fatalf("module = %q", id.Module)
	}

	if _, err := FromFunc(42); err == nil {
		t.Fatal("non-func must be rejected")
	}
}

func TestFromFuncStable(t *testing.T) {
	a, _ := FromFunc(sample)
	b, _ := FromFunc(sample)
	if a != b {
		t.Fatalf("identity not stable: %v vs %v", a, b)
	}
}

func TestSourceLocation(t *testing.T) {
	file, line := SourceLocation(sample)
	if !strings.HasSuffix(file, "identity_test.go") || line <= 0 {
		t.Fatalf("location = %s:%d", file, line)
	}
}

package redact

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBuiltinPatterns(t *testing.T) {
	r := New(nil)
	cases := []struct {
		in   string
		want string
	}{
		{"password=hunter2", "password=****"},
		{"PASSWORD=hunter2 rest", "PASSWORD=**** rest"},
		{"api_key=abc123,next", "api_key=****,next"},
		{"api-key=abc123", "api-key=****"},
		{"apikey=abc123", "apikey=****"},
		{"token=tok_1 token=tok_2", "token=**** token=****"},
		{"secret=shh'quoted'", "secret=****'quoted'"},
		{"card 4111111111111111 used", "card **** used"},
		{"ssn 123-45-6789 on file", "ssn **** on file"},
		{"nothing sensitive here", "nothing sensitive here"},
	}
	for _, tc := range cases {
		if got := r.String(tc.in); got != tc.want {
			t.Errorf("String(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestKeyPrefixPreserved(t *testing.T) {
	r := New(nil)
	got := r.String("login with password=hunter2 ok")
	if got != "login with password=**** ok" {
		t.Fatalf("key prefix lost: %q", got)
	}
}

func TestRedactStructure(t *testing.T) {
	r := New(nil)
	in := map[string]interface{}{
		"user":     "alice",
		"note":     "password=hunter2",
		"attempts": 3,
		"history":  []interface{}{"token=abc", 7, nil},
		"nested":   map[string]interface{}{"secret=deep": "secret=deep"},
	}
	out, ok := r.Redact(in).(map[string]interface{})
	if !ok {
		t.Fatalf("shape changed: %T", r.Redact(in))
	}
	if out["user"] != "alice" {
		t.Errorf("innocent value rewritten: %v", out["user"])
	}
	if out["note"] != "password=****" {
		t.Errorf("note not redacted: %v", out["note"])
	}
	if out["attempts"] != 3 {
		t.Errorf("non-string mutated: %v", out["attempts"])
	}
	hist := out["history"].([]interface{})
	if hist[0] != "token=****" || hist[1] != 7 || hist[2] != nil {
		t.Errorf("sequence redaction wrong: %v", hist)
	}
	nested := out["nested"].(map[string]interface{})
	// Keys are never rewritten, values are.
	if _, ok := nested["secret=deep"]; !ok {
		t.Errorf("key was rewritten: %v", nested)
	}
	if nested["secret=deep"] != "secret=****" {
		t.Errorf("nested value not redacted: %v", nested)
	}
}

func TestTypedContainers(t *testing.T) {
	r := New(nil)
	ss := r.Redact([]string{"password=a", "plain"}).([]string)
	if ss[0] != "password=****" || ss[1] != "plain" {
		t.Fatalf("[]string redaction wrong: %v", ss)
	}
	ms := r.Redact(map[string]string{"k": "token=x"}).(map[string]string)
	if ms["k"] != "token=****" {
		t.Fatalf("map[string]string redaction wrong: %v", ms)
	}
}

func TestUserPatternsRunFirst(t *testing.T) {
	r := New(nil)
	if err := r.AddPattern(`hunter\d`, "REDACTED"); err != nil {
		t.Fatal(err)
	}
	got := r.String("password=hunter2")
	// The user pattern rewrites the value before the built-in sees it; the
	// built-in then masks the remainder of the pair.
	if got != "password=****" && got != "password=REDACTED" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestNeverPanics(t *testing.T) {
	r := New(nil)
	ch := make(chan int)
	if got := r.Redact(ch); got == nil {
		t.Fatal("channel input should come back unchanged, got nil")
	}
	type odd struct{ f func() }
	_ = r.Redact(odd{})
}

// Idempotence and identity, property-based.
func TestRedactionProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	r := New(nil)

	properties.Property("redact(redact(s)) == redact(s)", prop.ForAll(
		func(s string) bool {
			once := r.String(s)
			return r.String(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("strings without sensitive shapes pass unchanged", prop.ForAll(
		func(s string) bool {
			return r.String(s) == s
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

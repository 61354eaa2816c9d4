package logging

import (
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	s, err := OpenEventStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("OpenEventStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEventStoreAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	for i, fn := range []string{"app.A", "app.B", "app.A"} {
		ev := Event{
			Type:          EventCall,
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			CorrelationID: "c1",
			Function:      fn,
		}
		if err := s.Append(ev); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	all, err := s.Query("", time.Time{}, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].Function != "app.A" || all[2].Function != "app.A" {
		t.Fatalf("order wrong: %v", all)
	}

	onlyA, err := s.Query("app.A", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyA) != 2 {
		t.Fatalf("identity filter: got %d, want 2", len(onlyA))
	}

	late, err := s.Query("", base.Add(1500*time.Millisecond), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(late) != 1 || late[0].Function != "app.A" {
		t.Fatalf("since filter wrong: %v", late)
	}

	limited, err := s.Query("", time.Time{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
	// Limit keeps the newest rows.
	if limited[len(limited)-1].Function != "app.A" {
		t.Fatalf("limit dropped newest: %v", limited)
	}
}

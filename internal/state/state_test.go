package state

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCaptureMonotoneIDs(t *testing.T) {
	m := NewManager(100)
	for i := 0; i < 5; i++ {
		id, err := m.Capture(KindVariable, map[string]interface{}{"i": i}, "", 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		want := fmt.Sprintf("snapshot_%d", i+1)
		if id != want {
			t.Fatalf("id = %s, want %s", id, want)
		}
	}
	snaps := m.List(Filter{}, 0, 0)
	for i := 1; i < len(snaps); i++ {
		if snaps[i].Timestamp.Before(snaps[i-1].Timestamp) {
			t.Fatalf("list order != capture order at %d", i)
		}
	}
}

func TestGotoRestoresDeepCopy(t *testing.T) {
	m := NewManager(100)
	id1, _ := m.Capture(KindGlobal, map[string]interface{}{"a": 1}, "", 0, nil)
	m.Capture(KindGlobal, map[string]interface{}{"a": 2}, "", 0, nil)

	if !m.Goto(id1) {
		t.Fatal("Goto failed")
	}
	if m.Cursor() != 0 {
		t.Fatalf("cursor = %d", m.Cursor())
	}
	cur := m.Current().(map[string]interface{})
	if cur["a"] != float64(1) {
		t.Fatalf("current = %v", cur)
	}

	// Mutating the returned copy must not touch the snapshot.
	cur["a"] = 99
	snap, _ := m.Get(id1)
	if snap.Data.(map[string]interface{})["a"] == 99 {
		t.Fatal("navigation exposed shared state")
	}
}

func TestStepNavigation(t *testing.T) {
	m := NewManager(100)
	for i := 0; i < 3; i++ {
		m.Capture(KindGlobal, i, "", 0, nil)
	}
	if !m.Step(-2) {
		t.Fatal("backward step failed")
	}
	if m.Cursor() != 0 {
		t.Fatalf("cursor = %d, want 0", m.Cursor())
	}
	if !m.Step(1) {
		t.Fatal("forward step failed")
	}
	if m.Step(5) {
		t.Fatal("out-of-range step must fail")
	}
	if m.Cursor() != 1 {
		t.Fatalf("failed navigation moved the cursor: %d", m.Cursor())
	}
}

func TestDiffMappings(t *testing.T) {
	m := NewManager(100)
	id1, _ := m.Capture(KindGlobal, map[string]interface{}{"a": 1, "b": 2}, "", 0, nil)
	id2, _ := m.Capture(KindGlobal, map[string]interface{}{"a": 1, "b": 3, "c": 4}, "", 0, nil)

	d, err := m.DiffSnapshots(id1, id2)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Added) != 1 || d.Added["c"] != float64(4) {
		t.Fatalf("added = %v", d.Added)
	}
	if len(d.Removed) != 0 {
		t.Fatalf("removed = %v", d.Removed)
	}
	change, ok := d.Changed["b"]
	if !ok || change[0] != float64(2) || change[1] != float64(3) {
		t.Fatalf("changed = %v", d.Changed)
	}
	if _, ok := d.Changed["a"]; ok {
		t.Fatal("unchanged key reported")
	}
}

func TestDiffNonMapping(t *testing.T) {
	d := DiffData("old", "new")
	if d.IsMapping || d.Before != "old" || d.After != "new" {
		t.Fatalf("non-mapping diff wrong: %+v", d)
	}
}

func TestBookmarks(t *testing.T) {
	m := NewManager(100)
	id1, _ := m.Capture(KindGlobal, 1, "", 0, nil)
	m.Capture(KindGlobal, 2, "", 0, nil)

	if err := m.Bookmark("checkpoint", id1); err != nil {
		t.Fatal(err)
	}
	if !m.GotoBookmark("checkpoint") {
		t.Fatal("GotoBookmark failed")
	}
	if m.Cursor() != 0 {
		t.Fatalf("cursor = %d", m.Cursor())
	}
	if m.GotoBookmark("missing") {
		t.Fatal("unknown bookmark must fail")
	}
	if err := m.Bookmark("bad", "snapshot_99"); err == nil {
		t.Fatal("bookmark of unknown snapshot must fail")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	m := NewManager(100)
	m.Capture(KindFnArgs, map[string]interface{}{"x": 5}, "app.G", 3, nil)
	m.Capture(KindFnReturn, map[string]interface{}{"result": 10}, "app.G", 3, nil)
	m.Bookmark("end", "")

	var buf bytes.Buffer
	if err := m.Export(&buf); err != nil {
		t.Fatal(err)
	}

	restored := NewManager(100)
	if err := restored.Import(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(m.List(Filter{}, 0, 0), restored.List(Filter{}, 0, 0)); diff != "" {
		t.Fatalf("snapshots differ after round trip:\n%s", diff)
	}
	if diff := cmp.Diff(m.Bookmarks(), restored.Bookmarks()); diff != "" {
		t.Fatalf("bookmarks differ:\n%s", diff)
	}
	if restored.Cursor() != restored.Len()-1 {
		t.Fatalf("cursor not reset to last: %d", restored.Cursor())
	}

	// IDs continue monotonically after import.
	id, _ := restored.Capture(KindGlobal, 1, "", 0, nil)
	if id != "snapshot_3" {
		t.Fatalf("post-import id = %s, want snapshot_3", id)
	}
}

func TestTrimKeepsNewest(t *testing.T) {
	m := NewManager(3)
	for i := 0; i < 10; i++ {
		m.Capture(KindGlobal, i, "", 0, nil)
	}
	if m.Len() != 3 {
		t.Fatalf("len = %d, want 3", m.Len())
	}
	snaps := m.List(Filter{}, 0, 0)
	if snaps[0].ID != "snapshot_8" || snaps[2].ID != "snapshot_10" {
		t.Fatalf("wrong survivors: %s..%s", snaps[0].ID, snaps[2].ID)
	}
}

func TestWatcherPanicsSwallowed(t *testing.T) {
	m := NewManager(100)
	calls := 0
	m.Watch(func(Snapshot) {
		calls++
		panic("watcher bug")
	})
	if _, err := m.Capture(KindGlobal, 1, "", 0, nil); err != nil {
		t.Fatalf("watcher panic leaked: %v", err)
	}
	if calls != 1 {
		t.Fatalf("watcher ran %d times", calls)
	}
}

func TestBreakpoint(t *testing.T) {
	m := NewManager(100)
	var hit *Snapshot
	m.SetBreakpoint("app.G", 12, func(s Snapshot) { hit = &s })

	m.Capture(KindLocal, 1, "app.Other", 12, nil)
	if hit != nil {
		t.Fatal("breakpoint fired for wrong function")
	}
	m.Capture(KindLocal, 2, "app.G", 12, nil)
	if hit == nil {
		t.Fatal("breakpoint did not fire")
	}
	if hit.Metadata["breakpoint_hit"] != true {
		t.Fatalf("metadata missing: %v", hit.Metadata)
	}
}

func TestUpdateStateSnapshotsChanges(t *testing.T) {
	m := NewManager(100)
	id, err := m.UpdateState("counter", 1)
	if err != nil || id == "" {
		t.Fatalf("first update: id=%q err=%v", id, err)
	}
	id, err = m.UpdateState("counter", 1)
	if err != nil || id != "" {
		t.Fatalf("unchanged update should not snapshot: id=%q err=%v", id, err)
	}
	id, err = m.UpdateState("counter", 2)
	if err != nil || id == "" {
		t.Fatalf("changed update: id=%q err=%v", id, err)
	}
	if m.Len() != 2 {
		t.Fatalf("timeline len = %d, want 2", m.Len())
	}
}

func TestSerializeStructFallback(t *testing.T) {
	type point struct {
		X int
		Y int
	}
	got := Serialize(point{1, 2}).(map[string]interface{})
	if got["__class__"] == nil {
		t.Fatalf("struct form missing __class__: %v", got)
	}
	dict := got["__dict__"].(map[string]interface{})
	if dict["X"] != int64(1) || dict["Y"] != int64(2) {
		t.Fatalf("dict = %v", dict)
	}
}

func TestSerializeDepthCap(t *testing.T) {
	deep := map[string]interface{}{}
	cur := deep
	for i := 0; i < 20; i++ {
		next := map[string]interface{}{}
		cur["next"] = next
		cur = next
	}
	cur["leaf"] = 1
	// Must not recurse forever; beyond the cap values degrade to reprs.
	out := Serialize(deep)
	if out == nil {
		t.Fatal("serialize returned nil")
	}
}

func TestTimelineSummary(t *testing.T) {
	m := NewManager(100)
	m.Capture(KindGlobal, 1, "", 0, nil)
	m.Capture(KindFnArgs, 2, "app.G", 0, nil)
	m.Bookmark("b1", "")
	sum := m.TimelineSummary()
	if sum.Count != 2 || sum.Cursor != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.KindCounts[KindGlobal] != 1 || sum.KindCounts[KindFnArgs] != 1 {
		t.Fatalf("kind counts = %v", sum.KindCounts)
	}
	if len(sum.Bookmarks) != 1 {
		t.Fatalf("bookmarks = %v", sum.Bookmarks)
	}
}

package state

import (
	"path/filepath"
	"testing"
)

func TestArchiveSaveAndLoad(t *testing.T) {
	a, err := OpenArchive(filepath.Join(t.TempDir(), "mystic.db"))
	if err != nil {
		t.Fatalf("OpenArchive failed: %v", err)
	}
	defer a.Close()

	m := NewManager(100)
	m.Capture(KindGlobal, map[string]interface{}{"a": 1}, "", 0, nil)
	m.Capture(KindGlobal, map[string]interface{}{"a": 2}, "", 0, nil)
	m.Bookmark("latest", "")

	id, err := a.SaveTimeline("session-1", m)
	if err != nil {
		t.Fatalf("SaveTimeline failed: %v", err)
	}

	restored := NewManager(100)
	if err := a.LoadTimeline(id, restored); err != nil {
		t.Fatalf("LoadTimeline failed: %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("restored %d snapshots, want 2", restored.Len())
	}
	if _, ok := restored.Bookmarks()["latest"]; !ok {
		t.Fatal("bookmark lost")
	}

	infos, err := a.ListTimelines()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "session-1" || infos[0].Snapshots != 2 {
		t.Fatalf("infos = %+v", infos)
	}

	if err := a.LoadTimeline("nope", NewManager(10)); err == nil {
		t.Fatal("unknown timeline must fail")
	}
}

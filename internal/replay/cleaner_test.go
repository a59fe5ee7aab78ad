package replay

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"driftpursuit/radarcore/internal/logging"
)

func writeSession(t *testing.T, root, name string, modTime time.Time, size int) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for file, body := range map[string][]byte{manifestName: []byte("{}"), framesName: make([]byte, size)} {
		path := filepath.Join(dir, file)
		if err := os.WriteFile(path, body, 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		if err := os.Chtimes(path, modTime, modTime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	if err := os.Chtimes(dir, modTime, modTime); err != nil {
		t.Fatalf("chtimes dir: %v", err)
	}
	return dir
}

func remainingSessions(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

func TestCleanerEnforcesMaxSessions(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	writeSession(t, root, "alpha", now.Add(-3*time.Hour), 64)
	writeSession(t, root, "bravo", now.Add(-2*time.Hour), 32)
	writeSession(t, root, "charlie", now.Add(-time.Hour), 48)

	cleaner := NewCleaner(root, RetentionPolicy{MaxSessions: 2}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	got := remainingSessions(t, root)
	if len(got) != 2 || got[0] != "bravo" || got[1] != "charlie" {
		t.Fatalf("unexpected retained sessions %v", got)
	}
	stats := cleaner.Stats()
	if stats.Sessions != 2 || stats.Removed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Bytes != int64(48+32+2+2) {
		t.Fatalf("expected 84 bytes retained, got %d", stats.Bytes)
	}
}

func TestCleanerPrunesByAgeButSparesProtectedSessions(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	old := writeSession(t, root, "old", now.Add(-72*time.Hour), 3)
	active := writeSession(t, root, "active", now.Add(-96*time.Hour), 3)
	writeSession(t, root, "fresh", now.Add(-time.Hour), 5)
	if err := os.MkdirAll(filepath.Join(root, "not-a-session"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cleaner := NewCleaner(root, RetentionPolicy{MaxAge: 36 * time.Hour}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.Protect(active)
	cleaner.RunOnce()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be pruned, stat err %v", old, err)
	}
	got := remainingSessions(t, root)
	want := []string{"active", "fresh", "not-a-session"}
	if len(got) != len(want) {
		t.Fatalf("unexpected remaining entries %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected remaining entries %v", got)
		}
	}
}

package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countRecorder struct {
	mu     sync.Mutex
	counts map[string][]int
}

func (r *countRecorder) record(sessionID string, fileCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string][]int)
	}
	r.counts[sessionID] = append(r.counts[sessionID], fileCount)
}

func (r *countRecorder) last(sessionID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counts[sessionID]
	if len(c) == 0 {
		return 0, false
	}
	return c[len(c)-1], true
}

func waitForCount(t *testing.T, r *countRecorder, sessionID string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := r.last(sessionID); ok && got == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	got, _ := r.last(sessionID)
	t.Fatalf("expected file count %d for %s, last was %d", want, sessionID, got)
}

func TestCountFiles_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	count := CountFiles(dir)
	if count != 0 {
		t.Errorf("expected 0 files, got %d", count)
	}
}

func TestCountFiles_WithFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		os.WriteFile(filepath.Join(dir, "file"+string(rune('a'+i))+".txt"), []byte("test"), 0644)
	}

	count := CountFiles(dir)
	if count != 5 {
		t.Errorf("expected 5 files, got %d", count)
	}
}

func TestCountFiles_ExcludesNodeModules(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("test"), 0644)

	nmDir := filepath.Join(dir, "node_modules")
	os.MkdirAll(nmDir, 0755)
	os.WriteFile(filepath.Join(nmDir, "package.json"), []byte("test"), 0644)

	count := CountFiles(dir)
	if count != 1 {
		t.Errorf("expected 1 file (node_modules excluded), got %d", count)
	}
}

func TestCountFiles_ExcludesGit(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("test"), 0644)

	gitDir := filepath.Join(dir, ".git")
	os.MkdirAll(gitDir, 0755)
	os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref"), 0644)

	count := CountFiles(dir)
	if count != 1 {
		t.Errorf("expected 1 file (.git excluded), got %d", count)
	}
}

func TestCountFiles_ExcludesHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("test"), 0644)
	os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET"), 0644)

	count := CountFiles(dir)
	if count != 1 {
		t.Errorf("expected 1 file (hidden files excluded), got %d", count)
	}
}

func TestCountFiles_IncludesClaudeDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("test"), 0644)

	claudeDir := filepath.Join(dir, ".claude")
	os.MkdirAll(claudeDir, 0755)
	os.WriteFile(filepath.Join(claudeDir, "CLAUDE.md"), []byte("config"), 0644)

	count := CountFiles(dir)
	if count != 2 {
		t.Errorf("expected 2 files (.claude included), got %d", count)
	}
}

func TestIsHidden(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".git", true},
		{".env", true},
		{"main.go", false},
		{".claude", true},
		{"", false},
	}

	for _, tt := range tests {
		got := isHidden(tt.name)
		if got != tt.want {
			t.Errorf("isHidden(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWatch_InitialCountAndChanges(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("test"), 0644)

	rec := &countRecorder{}
	w := New(rec.record, zap.NewNop())
	defer w.Shutdown()

	if err := w.Watch("s1", dir); err != nil {
		t.Fatalf("watch: %v", err)
	}
	waitForCount(t, rec, "s1", 1)

	sub := filepath.Join(dir, "pkg")
	os.MkdirAll(sub, 0755)
	time.Sleep(100 * time.Millisecond) // let the new directory be added
	os.WriteFile(filepath.Join(sub, "a.go"), []byte("a"), 0644)
	os.WriteFile(filepath.Join(dir, "b.go"), []byte("b"), 0644)

	waitForCount(t, rec, "s1", 3)
}

func TestWatch_UnwatchStopsUpdates(t *testing.T) {
	dir := t.TempDir()

	rec := &countRecorder{}
	w := New(rec.record, zap.NewNop())
	defer w.Shutdown()

	if err := w.Watch("s1", dir); err != nil {
		t.Fatalf("watch: %v", err)
	}
	waitForCount(t, rec, "s1", 0)
	if !w.Watching("s1") {
		t.Fatal("expected s1 to be watched")
	}

	w.Unwatch("s1")
	if w.Watching("s1") {
		t.Fatal("expected s1 to be unwatched")
	}
	os.WriteFile(filepath.Join(dir, "late.go"), []byte("x"), 0644)
	time.Sleep(debounceInterval + 200*time.Millisecond)

	if got, _ := rec.last("s1"); got != 0 {
		t.Errorf("expected no update after unwatch, got %d", got)
	}
	w.Unwatch("s1") // idempotent
}

func TestWatch_MissingDir(t *testing.T) {
	w := New(nil, zap.NewNop())
	defer w.Shutdown()

	if err := w.Watch("s1", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}


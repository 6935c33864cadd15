package filetracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiffReportsNewAndModified(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "existing.txt"), "v1")

	scope, err := Start(root)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, filepath.Join(root, "existing.txt"), "v2 longer")
	writeFile(t, filepath.Join(root, "analysis", "report.md"), "new file")

	diff, err := scope.Diff()
	if err != nil {
		t.Fatalf("diff: %v", err)
	}

	want := map[string]bool{"existing.txt": true, "analysis/report.md": true}
	if len(diff) != len(want) {
		t.Fatalf("expected %d changed files, got %v", len(want), diff)
	}
	for _, p := range diff {
		if !want[p] {
			t.Errorf("unexpected diffed path %q", p)
		}
	}
}

func TestIdempotentOnIdleDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "content")

	scope, err := Start(root)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := scope.Diff(); err != nil {
		t.Fatalf("first diff: %v", err)
	}
	diff, err := scope.Diff()
	if err != nil {
		t.Fatalf("second diff: %v", err)
	}
	if len(diff) != 0 {
		t.Fatalf("expected empty diff on second run over idle dir, got %v", diff)
	}
}

func TestExclusions(t *testing.T) {
	root := t.TempDir()
	scope, err := Start(root)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	writeFile(t, filepath.Join(root, "analysis", "report.md"), "keep")
	writeFile(t, filepath.Join(root, "temp", "scratch.txt"), "drop")
	writeFile(t, filepath.Join(root, "draft_step1.md"), "drop")
	writeFile(t, filepath.Join(root, ".hidden"), "drop")
	writeFile(t, filepath.Join(root, "notes_draft.md"), "drop")
	writeFile(t, filepath.Join(root, "build.log"), "drop")

	diff, err := scope.Diff()
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diff) != 1 || diff[0] != "analysis/report.md" {
		t.Fatalf("expected only analysis/report.md, got %v", diff)
	}
}

func TestCleanupRemovesTempContents(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "temp", "scratch.txt"), "x")

	scope, err := Start(root)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := scope.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "temp"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty temp dir after cleanup, got %v", entries)
	}
}

func TestDeliverInlineVsArchive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "b.txt"), "b")

	d, err := Deliver(root, []string{"a.txt", "b.txt"}, filepath.Join(root, "archives"), 5)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(d.Inline) != 2 || d.ArchivePath != "" {
		t.Fatalf("expected inline delivery under threshold, got %+v", d)
	}

	many := []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt", "f.txt"}
	for _, f := range many {
		writeFile(t, filepath.Join(root, f), "x")
	}
	d2, err := Deliver(root, many, filepath.Join(root, "archives"), 5)
	if err != nil {
		t.Fatalf("deliver archive: %v", err)
	}
	if d2.ArchivePath == "" || len(d2.Inline) != 0 {
		t.Fatalf("expected archive delivery over threshold, got %+v", d2)
	}
	if _, err := os.Stat(d2.ArchivePath); err != nil {
		t.Fatalf("expected archive file to exist: %v", err)
	}
}

// Package filetracker implements the File Tracker (spec §4.4): per-task
// snapshot/diff of a user's working directory, with fixed exclusions and
// bounded delivery.
//
// The snapshot/diff shape is grounded on jack-phare-goat's
// pkg/session/checkpoint.go (CheckpointManager.CreateCheckpoint /
// RewindFiles), adapted from content-addressed rewind checkpoints to
// mtime+size diffing against a single baseline per spec §4.4. Exclusion
// glob matching uses github.com/bmatcuk/doublestar/v4, and archive delivery
// uses github.com/klauspost/compress's zip writer, both named in the
// domain-stack wiring.
package filetracker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	kzip "github.com/klauspost/compress/zip"
)

// excludedDirs are directory names never descended into (spec §4.4).
var excludedDirs = map[string]bool{
	"temp": true, "tmp": true, "working": true, "cache": true, "drafts": true,
	"__pycache__": true, ".git": true, "node_modules": true, ".venv": true, ".cache": true,
}

// excludedExts are file extensions always skipped (spec §4.4).
var excludedExts = map[string]bool{
	".tmp": true, ".log": true, ".pyc": true, ".pyo": true, ".swp": true, ".swo": true,
}

// excludedGlobs are filename glob patterns always skipped (spec §4.4).
var excludedGlobs = []string{
	"*_draft.*", "*_temp.*", "*_tmp.*", "*_wip.*", "*_step*.*", "*_intermediate.*",
}

// InlineThreshold is the default N_inline delivery cutoff (spec §4.4,
// config input file_tracker_inline_threshold).
const InlineThreshold = 5

// fileStat is a minimal (mtime, size) snapshot entry.
type fileStat struct {
	ModTime time.Time
	Size    int64
}

// Scope is a short-lived snapshot/diff context over one SubAgentTask's
// filesystem activity (spec §3 FileTrackerScope).
type Scope struct {
	Root      string
	StartedAt time.Time
	baseline  map[string]fileStat
}

// isExcludedComponent reports whether name (a single path component) is an excluded
// directory or hidden/temp marker (spec §4.4).
func isExcludedComponent(name string) bool {
	if excludedDirs[name] {
		return true
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return true
	}
	return false
}

func isExcludedFile(relPath string) bool {
	base := filepath.Base(relPath)
	if isExcludedComponent(base) {
		return true
	}
	if excludedExts[strings.ToLower(filepath.Ext(base))] {
		return true
	}
	for _, pattern := range excludedGlobs {
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// walk collects (relPath -> fileStat) for every regular file under root,
// skipping excluded directories/files and rejecting symlink escapes.
func walk(root string) (map[string]fileStat, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filetracker: resolve root: %w", err)
	}

	out := make(map[string]fileStat)
	err = filepath.WalkDir(absRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == absRoot {
			return nil
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if isExcludedComponent(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(path)
			if err != nil {
				return nil // broken symlink, ignore
			}
			if !withinRoot(absRoot, target) {
				return nil // symlink escape: never reported (spec §4.4 invariant)
			}
		}

		if isExcludedFile(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = fileStat{ModTime: info.ModTime(), Size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func withinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Start snapshots root and returns a Scope for later Diff calls (spec
// §4.4 start(root)).
func Start(root string) (*Scope, error) {
	baseline, err := walk(root)
	if err != nil {
		return nil, fmt.Errorf("filetracker: start: %w", err)
	}
	return &Scope{Root: root, StartedAt: time.Now().UTC(), baseline: baseline}, nil
}

// Diff rescans root and reports every path whose (mtime, size) differs from
// the baseline or that is new (spec §4.4 diff()). Paths are relative to
// Root and use forward slashes.
func (s *Scope) Diff() ([]string, error) {
	current, err := walk(s.Root)
	if err != nil {
		return nil, fmt.Errorf("filetracker: diff: %w", err)
	}

	var changed []string
	for rel, stat := range current {
		base, ok := s.baseline[rel]
		if !ok || !base.ModTime.Equal(stat.ModTime) || base.Size != stat.Size {
			changed = append(changed, rel)
		}
	}
	return changed, nil
}

// Cleanup recursively deletes the contents of root's "temp" subdirectory
// (spec §4.4 Cleanup, run after diff()).
func (s *Scope) Cleanup() error {
	tempDir := filepath.Join(s.Root, "temp")
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("filetracker: cleanup: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tempDir, e.Name())); err != nil {
			return fmt.Errorf("filetracker: cleanup %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Delivery describes how diffed files should be handed to the chat adapter
// (spec §4.4 Delivery policy).
type Delivery struct {
	Inline      []string // deliver individually
	ArchivePath string   // non-empty if files were packed; caller must delete after send
}

// Deliver decides between individual delivery and a packed archive based on
// InlineThreshold, writing the archive (if any) to archiveDir.
func Deliver(root string, files []string, archiveDir string, inlineThreshold int) (Delivery, error) {
	if len(files) == 0 {
		return Delivery{}, nil
	}
	if inlineThreshold <= 0 {
		inlineThreshold = InlineThreshold
	}
	if len(files) <= inlineThreshold {
		return Delivery{Inline: files}, nil
	}

	archivePath, err := packArchive(root, files, archiveDir)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{ArchivePath: archivePath}, nil
}

// packArchive compresses files (relative to root) into a single zip archive
// under archiveDir, using klauspost/compress's flate-backed zip writer.
func packArchive(root string, files []string, archiveDir string) (string, error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("filetracker: archive dir: %w", err)
	}

	archivePath := filepath.Join(archiveDir, fmt.Sprintf("artifacts-%d.zip", time.Now().UTC().UnixNano()))
	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("filetracker: create archive: %w", err)
	}
	defer out.Close()

	zw := kzip.NewWriter(out)

	for _, rel := range files {
		if err := addFileToZip(zw, root, rel); err != nil {
			zw.Close()
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("filetracker: close archive: %w", err)
	}
	return archivePath, nil
}

func addFileToZip(zw *kzip.Writer, root, rel string) error {
	full := filepath.Join(root, filepath.FromSlash(rel))
	src, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("filetracker: open %s: %w", rel, err)
	}
	defer src.Close()

	hdr := &kzip.FileHeader{Name: rel, Method: kzip.Deflate}
	hdr.SetModTime(time.Now().UTC())
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("filetracker: zip entry %s: %w", rel, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("filetracker: zip copy %s: %w", rel, err)
	}
	return nil
}

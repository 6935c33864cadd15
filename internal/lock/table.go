// Package lock provides the single-writer-per-file discipline required by
// spec §3/§5: "All mutations go through a single-writer discipline per
// file; concurrent writers are serialized by a per-file lock."
//
// Grounded on jack-phare-goat's pkg/teams/task.go, which pairs an
// in-process path with a github.com/gofrs/flock OS-level lock so that the
// same guarantee holds across separate processes touching the same
// persistence root (e.g. a CLI tool inspecting state while the host runs).
package lock

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Table hands out a lock for any canonical path, reusing in-process mutexes
// for repeated callers on the same path and a flock for cross-process
// exclusion.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	flock *flock.Flock
	count int
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{locks: make(map[string]*entry)}
}

// Handle is a held lock; call Release to give it up.
type Handle struct {
	table *Table
	path  string
	e     *entry
}

// Acquire blocks until the lock for path is held by the caller alone (both
// in-process and across processes via flock). path should be the data file
// being protected, not the lock file itself; the lock file is path+".lock".
func (t *Table) Acquire(path string) (*Handle, error) {
	clean := filepath.Clean(path)

	t.mu.Lock()
	e, ok := t.locks[clean]
	if !ok {
		e = &entry{flock: flock.New(clean + ".lock")}
		t.locks[clean] = e
	}
	e.count++
	t.mu.Unlock()

	e.mu.Lock()
	if err := e.flock.Lock(); err != nil {
		e.mu.Unlock()
		t.release(clean, e)
		return nil, err
	}

	return &Handle{table: t, path: clean, e: e}, nil
}

// Release gives up the lock, unblocking the next waiter.
func (h *Handle) Release() {
	if h == nil || h.e == nil {
		return
	}
	h.e.flock.Unlock()
	h.e.mu.Unlock()
	h.table.release(h.path, h.e)
}

func (t *Table) release(path string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.count--
	if e.count <= 0 {
		delete(t.locks, path)
	}
}

// WriteFileAtomic writes data to path by first writing a sibling temp file
// and renaming it into place, guaranteeing readers never observe a partial
// write. Matches the Save() idiom in the teacher's sessions.Manager.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// WithLock acquires the lock for path, runs fn, and releases it regardless
// of fn's outcome.
func (t *Table) WithLock(path string, fn func() error) error {
	h, err := t.Acquire(path)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}

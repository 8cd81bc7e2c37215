// Package repository provides the atomic-write JSON persistence
// abstraction shared by the queue, backup index, rollback index, and
// usage aggregates, replacing the source system's ad-hoc per-file
// reload-and-overwrite pattern with one repository per persisted
// entity.
package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// JSONFile is a single-writer, atomically-written JSON document backed
// by an afero filesystem. Concurrent writers for the same file are
// prohibited by the mutex; callers must not share a JSONFile's path
// across multiple JSONFile instances.
type JSONFile struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

// NewJSONFile returns a repository rooted at path on fs. If fs is nil,
// the OS filesystem is used.
func NewJSONFile(fs afero.Fs, path string) *JSONFile {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &JSONFile{fs: fs, path: path}
}

// Load unmarshals the current document into v. If the file does not
// exist, Load leaves v untouched and returns nil so callers can treat
// "no file yet" as "empty state".
func (f *JSONFile) Load(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshalling %s: %w", f.path, err)
	}
	return nil
}

// Save marshals v and writes it to the repository's path atomically:
// write to a sibling temp file, then rename over the target. This
// guarantees a reader never observes a partially-written document.
func (f *JSONFile) Save(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", f.path, err)
	}

	tmp, err := afero.TempFile(f.fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		f.fs.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}

	if err := f.fs.Rename(tmpName, f.path); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("renaming %s to %s: %w", tmpName, f.path, err)
	}
	return nil
}

// Path returns the repository's backing file path.
func (f *JSONFile) Path() string { return f.path }

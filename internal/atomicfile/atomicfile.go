// Package atomicfile persists JSON documents so that a concurrent reader
// never observes a partially written file.
package atomicfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// WriteJSON marshals v and replaces path with the result. The data is written
// to a temporary file in the same directory, synced, and renamed over path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	return Write(path, data, 0o644)
}

// Write atomically replaces path with data.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := file.Chmod(perm); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s into place: %w", filepath.Base(path), err)
	}

	// Make the rename itself durable.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// ReadJSON decodes path into v. It returns found=false and no error when the
// file does not exist.
func ReadJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// Document is a JSON file guarded by a mutex, for callers that keep a single
// in-memory copy and persist it after every change.
type Document[T any] struct {
	path string
	mu   sync.Mutex
}

// NewDocument creates a Document for path.
func NewDocument[T any](path string) *Document[T] {
	return &Document[T]{path: path}
}

// Path returns the file path.
func (d *Document[T]) Path() string {
	return d.path
}

// Save writes v to the file.
func (d *Document[T]) Save(v T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return WriteJSON(d.path, v)
}

// Lock takes an exclusive advisory lock on a sibling "<path>.lock" file and
// blocks until it is granted. Every call opens its own descriptor, so two
// holders conflict whether they share a process or not. Callers doing
// read-modify-write across processes hold it from Load through Save.
func (d *Document[T]) Lock() (unlock func(), err error) {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(d.path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", filepath.Base(d.path), err)
	}
	return func() { fl.Unlock() }, nil
}

// Load reads the file. A missing file yields the zero value and found=false.
func (d *Document[T]) Load() (v T, found bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	found, err = ReadJSON(d.path, &v)
	return v, found, err
}

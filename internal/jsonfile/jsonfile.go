// Package jsonfile reads and rewrites whole JSON documents on disk.
//
// All writers of one path inside the process are serialized through a
// per-path mutex, and every write goes to a temp file that is renamed over the
// target, so readers never observe a half-written document.
package jsonfile

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"naspanel/internal/errs"
)

var (
	locksMu sync.Mutex
	locks   = map[string]*sync.Mutex{}
)

func key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(path)
}

// Lock returns the process-wide mutex guarding path.
func Lock(path string) *sync.Mutex {
	k := key(path)
	locksMu.Lock()
	defer locksMu.Unlock()
	mu, ok := locks[k]
	if !ok {
		mu = &sync.Mutex{}
		locks[k] = mu
	}
	return mu
}

// Read decodes path into v. A missing file returns an error satisfying
// errors.Is(err, fs.ErrNotExist).
func Read(path string, v any) error {
	mu := Lock(path)
	mu.Lock()
	defer mu.Unlock()
	return readLocked(path, v)
}

// Write replaces path with the JSON encoding of v.
func Write(path string, v any) error {
	mu := Lock(path)
	mu.Lock()
	defer mu.Unlock()
	return writeLocked(path, v)
}

// Update runs a read-modify-write of the entire document under the path lock.
// v starts from the decoded file (left untouched when the file is missing);
// fn mutates it, and the result is written back unless fn returns an error.
func Update(path string, v any, fn func() error) error {
	mu := Lock(path)
	mu.Lock()
	defer mu.Unlock()

	if err := readLocked(path, v); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return writeLocked(path, v)
}

// ReadLocked is Read for callers already holding Lock(path).
func ReadLocked(path string, v any) error { return readLocked(path, v) }

// WriteLocked is Write for callers already holding Lock(path).
func WriteLocked(path string, v any) error { return writeLocked(path, v) }

// Exists reports whether path is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readLocked(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return errs.Persistence("read", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errs.Persistence("parse", path, err)
	}
	return nil
}

func writeLocked(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Persistence("write", path, err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Persistence("write", path, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errs.Persistence("write", path, err)
	}
	tmp := f.Name()
	cleanup := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errs.Persistence("write", path, err)
	}
	if _, err := f.Write(b); err != nil {
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	if err := f.Chmod(0o644); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errs.Persistence("write", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errs.Persistence("write", path, err)
	}
	return nil
}

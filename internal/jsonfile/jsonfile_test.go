package jsonfile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"naspanel/internal/errs"
)

type counter struct {
	N     int      `json:"n"`
	Marks []string `json:"marks"`
}

func TestWriteThenRead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	if err := Write(path, counter{N: 7, Marks: []string{"a"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got counter
	if err := Read(path, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.N != 7 || len(got.Marks) != 1 {
		t.Fatalf("unexpected doc: %+v", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestReadMissingAndCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var c counter
	if err := Read(filepath.Join(dir, "missing.json"), &c); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := Read(bad, &c)
	if !errs.IsPersistence(err) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "counter.json")
	const workers = 16
	const perWorker = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				var c counter
				if err := Update(path, &c, func() error {
					c.N++
					return nil
				}); err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var got counter
	if err := Read(path, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.N != workers*perWorker {
		t.Fatalf("lost updates: n=%d, want %d", got.N, workers*perWorker)
	}
}

func TestUpdateAbortsOnError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "doc.json")
	if err := Write(path, counter{N: 1}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	var c counter
	if err := Update(path, &c, func() error {
		c.N = 99
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var got counter
	_ = Read(path, &got)
	if got.N != 1 {
		t.Fatalf("document changed despite error: %+v", got)
	}
}

func TestLockIsPerCleanPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := Lock(filepath.Join(dir, "x.json"))
	b := Lock(filepath.Join(dir, ".", "x.json"))
	c := Lock(filepath.Join(dir, "y.json"))
	if a != b {
		t.Fatalf("equivalent paths should share a lock")
	}
	if a == c {
		t.Fatalf("different paths should not share a lock")
	}
}

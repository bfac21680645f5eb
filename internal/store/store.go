// Package store persists each named document as one JSON file under the
// data directory. Storage is deliberately simple: documents are small,
// rewritten whole, and guarded by a per-name lock so a read-modify-write
// cycle is never interleaved with another writer of the same document.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the document store. Distinct names can be accessed in
// parallel; operations on the same name are serialized.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open creates the data directory if needed and verifies it is
// writable. A store that cannot be opened is fatal to the caller.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("data dir not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &Store{
		dir:   dir,
		locks: map[string]*sync.Mutex{},
	}, nil
}

// Dir returns the data directory path
func (s *Store) Dir() string {
	return s.dir
}

// lock returns the mutex for a name, creating it on first use.
// Lock entries are never removed; the set of document names is small
// and fixed in practice.
func (s *Store) lock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[name]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[name] = lk
	}
	return lk
}

// path maps a document name to its file. Names may carry one level of
// subdirectory ("tasks/task-ab12cd34"); anything escaping the data dir
// is rejected.
func (s *Store) path(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty document name")
	}
	clean := filepath.Clean(name)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid document name %q", name)
	}
	return filepath.Join(s.dir, clean+".json"), nil
}

// Read decodes the named document into out, which must be a pointer.
// A missing document is not an error: out keeps whatever default the
// caller placed in it and found is false.
func (s *Store) Read(name string, out interface{}) (found bool, err error) {
	lk := s.lock(name)
	lk.Lock()
	defer lk.Unlock()
	return s.readLocked(name, out)
}

func (s *Store) readLocked(name string, out interface{}) (bool, error) {
	path, err := s.path(name)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// Write replaces the named document atomically: encode to a sibling
// temp file, fsync, then rename over the target so a crash leaves
// either the old or the new content, never a torn file.
func (s *Store) Write(name string, v interface{}) error {
	lk := s.lock(name)
	lk.Lock()
	defer lk.Unlock()
	return s.writeLocked(name, v)
}

func (s *Store) writeLocked(name string, v interface{}) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Update runs fn on the decoded document and writes the result back,
// holding the name's lock across the whole read-modify-write window.
// out must be a pointer; a missing document leaves it at the default
// the caller placed in it. If fn returns an error nothing is written.
func (s *Store) Update(name string, out interface{}, fn func() error) error {
	lk := s.lock(name)
	lk.Lock()
	defer lk.Unlock()

	if _, err := s.readLocked(name, out); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return s.writeLocked(name, out)
}

// List returns the document names directly under the given prefix
// directory, e.g. List("tasks") -> ["tasks/task-ab12cd34", ...].
func (s *Store) List(prefix string) ([]string, error) {
	clean := filepath.Clean(prefix)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("invalid prefix %q", prefix)
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, clean))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, clean+"/"+strings.TrimSuffix(e.Name(), ".json"))
	}
	return names, nil
}

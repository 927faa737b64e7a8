package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get and Update when the descriptor file does not
// exist. Callers treat it as "already gone", never as a hard failure.
var ErrNotFound = errors.New("descriptor not found")

// Store keeps one JSON file per descriptor, named <id>.json, inside a single
// directory. Records survive application restarts and stay human-editable so
// an operator can recover from a wedged registry by hand.
type Store struct {
	dir string
}

// DefaultDir returns the application-scoped registry directory.
func DefaultDir() string { return filepath.Join(os.TempDir(), "stealthdesk-workers") }

// OpenStore ensures dir exists and returns a store over it.
// An empty dir selects DefaultDir.
func OpenStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create descriptor dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	// ids are uuids; strip path separators defensively before joining
	id = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '-'
		}
		return r
	}, id)
	return filepath.Join(s.dir, id+".json")
}

// Save durably writes or overwrites the descriptor. The write goes through a
// temp file and rename so a crashed writer never leaves a truncated record.
func (s *Store) Save(d *Descriptor) error {
	if d.ID == "" {
		return errors.New("descriptor id is empty")
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+d.ID+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(append(b, '\n')); err == nil {
		err = tmp.Close()
	} else {
		_ = tmp.Close()
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(d.ID)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Get loads one descriptor by id.
func (s *Store) Get(id string) (*Descriptor, error) {
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", id, err)
	}
	return &d, nil
}

// List returns every parseable descriptor. Unreadable or corrupt files are
// skipped with a warning; listing must never fail because one record rotted.
func (s *Store) List() ([]*Descriptor, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Descriptor
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		d, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			slog.Warn("skipping unreadable descriptor", "file", name, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Delete removes the descriptor file. Deleting a missing descriptor succeeds.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Update overwrites an existing descriptor. If the record was concurrently
// deleted it returns ErrNotFound so callers can distinguish the benign race
// from a real write failure.
func (s *Store) Update(d *Descriptor) error {
	if _, err := os.Stat(s.path(d.ID)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return s.Save(d)
}

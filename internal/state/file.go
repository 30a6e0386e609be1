package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the state as a JSON document. Saves write a sibling temp
// file and rename it over the target, so readers see the old or the new
// document and never a partial one.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (RunState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return RunState{}, &PersistenceError{Op: "load", Err: err}
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return RunState{}, &PersistenceError{Op: "load", Err: fmt.Errorf("decode %s: %w", s.path, err)}
	}
	return fromRecord(r), nil
}

func (s *FileStore) Save(_ context.Context, st RunState) error {
	if err := s.write(st); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func (s *FileStore) write(st RunState) error {
	data, err := json.MarshalIndent(toRecord(st), "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

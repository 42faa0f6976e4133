package calibrate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Store persists calibration state between runs.
type Store interface {
	Load() (State, error)
	Save(State) error
}

// FileStore keeps calibration state in a single YAML file next to the
// work directory. A missing file is not an error; it means a fresh start.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) Load() (State, error) {
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultState(), nil
	}
	if err != nil {
		return DefaultState(), fmt.Errorf("read calibration cache: %w", err)
	}
	st := DefaultState()
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return DefaultState(), fmt.Errorf("parse calibration cache %s: %w", f.Path, err)
	}
	st.sanitize()
	return st, nil
}

func (f *FileStore) Save(st State) error {
	raw, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode calibration state: %w", err)
	}
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create calibration cache dir: %w", err)
		}
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write calibration cache: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("replace calibration cache: %w", err)
	}
	return nil
}

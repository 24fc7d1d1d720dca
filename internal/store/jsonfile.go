// Package store implements the on-disk persistence layout: one JSON file
// per logical record under a data directory, written with a write-temp and
// rename discipline so a crash mid-write never leaves a torn file behind.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
)

// Dir is a handle on the data directory. All persistence components
// (account credentials, counters, api keys) go through it rather than
// touching os.* directly, so the atomic-write discipline is enforced in one
// place.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "stats"), 0o700); err != nil {
		return nil, fmt.Errorf("create stats dir: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, name)
}

// ReadJSON loads name into v. A missing file is not an error: v is left
// untouched and ok is false, so callers can fall back to a zero value.
func (d *Dir) ReadJSON(name string, v any) (ok bool, err error) {
	data, err := os.ReadFile(d.Path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return true, nil
}

// WriteJSON serializes v and replaces name atomically (temp file + rename).
func (d *Dir) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := d.Path(name)
	if dir := filepath.Dir(path); dir != d.root {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create dir for %s: %w", name, err)
		}
	}
	if err := atomicwriter.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// AppendLine appends one JSONL record, creating the file if needed. Not
// atomic by itself (a single append is already crash-safe at the
// filesystem level for well-formed lines; only whole-file replacement needs
// the temp+rename treatment).
func (d *Dir) AppendLine(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := d.Path(name)
	if dir := filepath.Dir(path); dir != d.root {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create dir for %s: %w", name, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

// Remove deletes name; a missing file is not an error.
func (d *Dir) Remove(name string) error {
	err := os.Remove(d.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// List returns the base names of files in the data directory matching a
// glob pattern (e.g. "oauth_creds_*.json").
func (d *Dir) List(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.root, pattern))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = filepath.Base(m)
	}
	return names, nil
}

// Package checkpoint persists which output files completed the
// post-processing pass, as an append-only newline-delimited log.
package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Log is a durable set of processed filenames backed by one text file. A
// missing file is an empty set.
type Log struct {
	path string
}

func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the backing file location.
func (l *Log) Path() string { return l.path }

// Load reads the full marker set. Blank lines are ignored.
func (l *Log) Load() (map[string]struct{}, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint log %s: %w", l.path, err)
	}
	defer f.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			set[name] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint log %s: %w", l.path, err)
	}
	return set, nil
}

// Append durably records one processed filename. The write is synced before
// returning so a crash immediately after loses nothing.
func (l *Log) Append(name string) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint log %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(name + "\n"); err != nil {
		return fmt.Errorf("failed to append to checkpoint log %s: %w", l.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint log %s: %w", l.path, err)
	}
	return nil
}

// Rewrite atomically replaces the whole marker set, used when reconciliation
// renumbers the files the entries refer to.
func (l *Log) Rewrite(names map[string]struct{}) error {
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint log: %w", err)
	}
	defer os.Remove(tmp.Name())

	for _, name := range sorted {
		if _, err := tmp.WriteString(name + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write temp checkpoint log: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp checkpoint log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint log: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint log %s: %w", l.path, err)
	}
	return nil
}

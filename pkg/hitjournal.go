// Package pkg provides supporting utilities for ilcov.
package pkg

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"sync"

	m "ilcov.dev/pkg/ilcov/internal/model"
)

// HitJournal is a disk-backed append-only log of hit records. The relay
// peer journals every received pair before counting it, so a crash between
// receive and report merge loses nothing that cannot be replayed.
type HitJournal struct {
	path    string
	file    *os.File
	encoder *gob.Encoder
	mu      sync.Mutex
	length  uint64
}

// NewHitJournal creates a journal file under dir.
func NewHitJournal(dir string) (*HitJournal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.CreateTemp(dir, "hits-*.gob")
	if err != nil {
		return nil, fmt.Errorf("create journal file: %w", err)
	}

	slog.Debug("created hit journal", "path", file.Name())

	return &HitJournal{
		path:    file.Name(),
		file:    file,
		encoder: gob.NewEncoder(file),
	}, nil
}

// Path returns the journal file location.
func (j *HitJournal) Path() string {
	return j.path
}

// Len returns the number of journaled hits.
func (j *HitJournal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.length
}

// Append records one hit.
func (j *HitJournal) Append(hit m.Hit) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.encoder.Encode(hit); err != nil {
		slog.Error("failed to journal hit", "path", j.path, "error", err)

		return fmt.Errorf("journal hit: %w", err)
	}

	j.length++

	return nil
}

// Replay streams every journaled hit, in append order, into fn.
func (j *HitJournal) Replay(fn func(index uint64, hit m.Hit) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	defer func() {
		if err := file.Close(); err != nil {
			slog.Error("failed to close journal", "path", j.path, "error", err)
		}
	}()

	decoder := gob.NewDecoder(file)

	var hit m.Hit

	for i := range j.length {
		if err := decoder.Decode(&hit); err != nil {
			return fmt.Errorf("decode journal entry %d: %w", i, err)
		}

		if err := fn(i, hit); err != nil {
			return err
		}
	}

	return nil
}

// Close closes and removes the journal file. Entries already counted into
// the report do not need to survive the session.
func (j *HitJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}

	if err := j.file.Close(); err != nil {
		slog.Error("failed to close journal", "path", j.path, "error", err)

		return err
	}

	j.file = nil

	if err := os.Remove(j.path); err != nil {
		slog.Warn("failed to remove journal", "path", j.path, "error", err)
	}

	return nil
}

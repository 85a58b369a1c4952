// Package cdc implements the change-data-capture listener (C6): a
// logical-replication consumer that decodes row changes on the metadata
// publication and hands them to the debounce buffer, checkpointing its
// resume position as it goes (§4.6).
package cdc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pglogrepl"
)

// CheckpointBackend persists and restores the replication resume token.
// `cdc.checkpoint_backend` selects between File (durable) and Memory
// (in-process only, for test/fixture runs, §4.6).
type CheckpointBackend interface {
	Load() (pglogrepl.LSN, error)
	Save(lsn pglogrepl.LSN) error
}

// MemoryCheckpoint keeps the resume token in-process only.
type MemoryCheckpoint struct {
	mu  sync.Mutex
	lsn pglogrepl.LSN
}

func NewMemoryCheckpoint() *MemoryCheckpoint {
	return &MemoryCheckpoint{}
}

func (m *MemoryCheckpoint) Load() (pglogrepl.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lsn, nil
}

func (m *MemoryCheckpoint) Save(lsn pglogrepl.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lsn = lsn
	return nil
}

// FileCheckpoint durably persists the resume token via the atomic
// temp-then-rename pattern (adapted from the alias cache's snapshot
// write, and before that the teacher's checkpoint manager).
type FileCheckpoint struct {
	mu    sync.Mutex
	path  string
	fsync bool
}

func NewFileCheckpoint(path string, fsync bool) *FileCheckpoint {
	return &FileCheckpoint{path: path, fsync: fsync}
}

type checkpointFile struct {
	LSN string `json:"lsn"`
}

func (f *FileCheckpoint) Load() (pglogrepl.LSN, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var cf checkpointFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return 0, fmt.Errorf("decoding checkpoint file: %w", err)
	}
	if cf.LSN == "" {
		return 0, nil
	}
	return pglogrepl.ParseLSN(cf.LSN)
}

func (f *FileCheckpoint) Save(lsn pglogrepl.LSN) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(checkpointFile{LSN: lsn.String()})
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if f.fsync {
		if err := file.Sync(); err != nil {
			file.Close()
			return err
		}
	}
	if err := file.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, f.path)
}

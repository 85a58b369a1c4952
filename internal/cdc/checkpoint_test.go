package cdc

import (
	"path/filepath"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestMemoryCheckpoint_SaveThenLoad(t *testing.T) {
	cp := NewMemoryCheckpoint()
	require.NoError(t, cp.Save(pglogrepl.LSN(42)))
	lsn, err := cp.Load()
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(42), lsn)
}

func TestFileCheckpoint_SaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	cp := NewFileCheckpoint(path, false)

	require.NoError(t, cp.Save(pglogrepl.LSN(123456)))

	restored := NewFileCheckpoint(path, false)
	lsn, err := restored.Load()
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(123456), lsn)
}

func TestFileCheckpoint_LoadMissingFileReturnsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	cp := NewFileCheckpoint(path, false)
	lsn, err := cp.Load()
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(0), lsn)
}

package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	cp := Checkpoint{
		RunID:      "run-1",
		Sequence:   42,
		WorkingDir: "/work/run-1",
		Autonomous: true,
		WorkerType: "claude",
		Model:      "claude-opus",
		SavedAt:    time.Now(),
	}
	require.NoError(t, s.Save(cp))

	got, err := s.Load("run-1")
	require.NoError(t, err)
	require.Equal(t, cp.RunID, got.RunID)
	require.Equal(t, cp.Sequence, got.Sequence)
	require.Equal(t, cp.WorkingDir, got.WorkingDir)
	require.Equal(t, cp.Autonomous, got.Autonomous)
	require.Equal(t, cp.WorkerType, got.WorkerType)
	require.Equal(t, cp.Model, got.Model)
}

func TestLoadMissingReturnsError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	_, err = s.Load("nonexistent")
	require.Error(t, err)
}

func TestSaveOverwritesPreviousCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(Checkpoint{RunID: "run-2", Sequence: 1}))
	require.NoError(t, s.Save(Checkpoint{RunID: "run-2", Sequence: 2}))

	got, err := s.Load("run-2")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Sequence)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRemoveDeletesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(Checkpoint{RunID: "run-3"}))
	require.NoError(t, s.Remove("run-3"))

	_, err = os.Stat(filepath.Join(dir, "run-3.json"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, s.Remove("run-3"))
}

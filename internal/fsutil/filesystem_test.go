package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFileSystem_CreateNewIsExclusive(t *testing.T) {
	dir := t.TempDir()
	fsys := OSFileSystem{}
	name := filepath.Join(dir, "session.csv")

	w, err := fsys.CreateNew(name)
	require.NoError(t, err)
	_, err = io.WriteString(w, "sequence\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = fsys.CreateNew(name)
	assert.True(t, errors.Is(err, fs.ErrExist), "got %v", err)
	assert.True(t, fsys.Exists(name))

	f, err := fsys.Open(name)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "sequence\n", string(data))
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.MkdirAll("logs/2026", 0o755))
	assert.True(t, m.Exists("logs"))

	w, err := m.CreateNew("logs/2026/a.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	// visible before Close
	data, err := m.ReadFile("logs/2026/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NoError(t, w.Close())

	info, err := m.Stat("logs/2026/a.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())

	_, err = m.CreateNew("logs/2026/a.csv")
	assert.ErrorIs(t, err, fs.ErrExist)

	_, err = m.CreateNew("missing/b.csv")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = m.Open("logs/none.csv")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestMemoryFileSystem_FailWritesAfter(t *testing.T) {
	m := NewMemoryFileSystem()
	w, err := m.CreateNew("a.csv")
	require.NoError(t, err)

	diskFull := errors.New("no space left on device")
	m.FailWritesAfter(2, diskFull)

	_, err = w.Write([]byte("1"))
	require.NoError(t, err)
	_, err = w.Write([]byte("2"))
	require.NoError(t, err)
	_, err = w.Write([]byte("3"))
	assert.ErrorIs(t, err, diskFull)

	data, err := m.ReadFile("a.csv")
	require.NoError(t, err)
	assert.Equal(t, "12", string(data))
}

func TestMemoryFileSystem_WriteAfterClose(t *testing.T) {
	m := NewMemoryFileSystem()
	w, err := m.CreateNew("a.csv")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, fs.ErrClosed)
}

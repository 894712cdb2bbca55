// Package fsutil abstracts the file operations used by the session logger so
// that write failures can be injected in tests.
package fsutil

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSystem is the subset of os used for session logs.
type FileSystem interface {
	// CreateNew creates name for writing and fails with fs.ErrExist if it
	// already exists.
	CreateNew(name string) (io.WriteCloser, error)

	// Open opens the named file for reading.
	Open(name string) (fs.File, error)

	// Stat returns a FileInfo describing the named file.
	Stat(name string) (fs.FileInfo, error)

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(path string, perm os.FileMode) error

	// Exists checks if a file or directory exists.
	Exists(name string) bool
}

// OSFileSystem implements FileSystem using the os package.
type OSFileSystem struct{}

func (OSFileSystem) CreateNew(name string) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

func (OSFileSystem) Open(name string) (fs.File, error)     { return os.Open(name) }
func (OSFileSystem) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// ErrInjected is the default error returned by a MemoryFileSystem once its
// write budget is spent.
var ErrInjected = errors.New("fsutil: injected write failure")

// MemoryFileSystem is an in-memory FileSystem for tests. Written bytes are
// visible to Open and ReadFile as soon as Write returns.
type MemoryFileSystem struct {
	mu    sync.RWMutex
	files map[string]*bytes.Buffer
	dirs  map[string]bool

	// writes remaining before every Write fails; negative means unlimited
	writeBudget int
	writeErr    error
}

// NewMemoryFileSystem creates an empty in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files:       make(map[string]*bytes.Buffer),
		dirs:        make(map[string]bool),
		writeBudget: -1,
	}
}

// FailWritesAfter lets n more Write calls succeed, then fails every later
// one with err (ErrInjected when err is nil), simulating a full disk.
func (m *MemoryFileSystem) FailWritesAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	m.writeBudget = n
	m.writeErr = err
}

func (m *MemoryFileSystem) CreateNew(name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = filepath.Clean(name)
	if _, ok := m.files[name]; ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	}
	if dir := filepath.Dir(name); dir != "." && !m.dirs[dir] {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	m.files[name] = &bytes.Buffer{}
	return &memFileWriter{fs: m, name: name}, nil
}

func (m *MemoryFileSystem) Open(name string) (fs.File, error) {
	data, err := m.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return &memFileReader{name: filepath.Clean(name), r: bytes.NewReader(data), size: int64(len(data))}, nil
}

// ReadFile returns a copy of the file's contents.
func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return bytes.Clone(f.Bytes()), nil
}

func (m *MemoryFileSystem) Stat(name string) (fs.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	if m.dirs[name] {
		return &memFileInfo{name: filepath.Base(name), isDir: true}, nil
	}
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return &memFileInfo{name: filepath.Base(name), size: int64(f.Len())}, nil
}

func (m *MemoryFileSystem) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p := filepath.Clean(path); p != "." && p != "/"; p = filepath.Dir(p) {
		m.dirs[p] = true
	}
	return nil
}

func (m *MemoryFileSystem) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	_, ok := m.files[name]
	return ok || m.dirs[name]
}

// Files lists the names of all regular files.
func (m *MemoryFileSystem) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for name := range m.files {
		out = append(out, name)
	}
	return out
}

type memFileWriter struct {
	fs     *MemoryFileSystem
	name   string
	closed bool
}

func (f *memFileWriter) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return 0, fs.ErrClosed
	}
	if f.fs.writeBudget == 0 {
		return 0, f.fs.writeErr
	}
	if f.fs.writeBudget > 0 {
		f.fs.writeBudget--
	}
	return f.fs.files[f.name].Write(p)
}

func (f *memFileWriter) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true
	return nil
}

type memFileReader struct {
	name string
	r    *bytes.Reader
	size int64
}

func (f *memFileReader) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *memFileReader) Close() error               { return nil }

func (f *memFileReader) Stat() (fs.FileInfo, error) {
	return &memFileInfo{name: filepath.Base(f.name), size: f.size}, nil
}

type memFileInfo struct {
	name  string
	size  int64
	isDir bool
}

func (i *memFileInfo) Name() string { return i.name }
func (i *memFileInfo) Size() int64  { return i.size }
func (i *memFileInfo) Mode() os.FileMode {
	if i.isDir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (i *memFileInfo) ModTime() time.Time { return time.Time{} }
func (i *memFileInfo) IsDir() bool        { return i.isDir }
func (i *memFileInfo) Sys() any           { return nil }

package lib

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemStore is an in-memory BlockStore.
type MemStore struct {
	mu       sync.Mutex
	files    map[FileID][]byte
	writeErr error
	readErr  error
	writes   int
}

func NewMemStore() *MemStore {
	return &MemStore{files: make(map[FileID][]byte)}
}

// Put stores a copy of data as file.
func (m *MemStore) Put(file FileID, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[file] = append([]byte(nil), data...)
}

// Bytes returns a copy of the file content.
func (m *MemStore) Bytes(file FileID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[file]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// FailWrites makes every later WriteAt return err. A nil err heals the store.
func (m *MemStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailReads makes every later ReadAt return err.
func (m *MemStore) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// Writes counts the WriteAt calls that reached the store.
func (m *MemStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemStore) Open(file FileID, mode OpenMode) (BlockFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[file]; !ok {
		if mode != OpenWrite {
			return nil, fmt.Errorf("open %d: %w", file, ErrFileNotFound)
		}
		m.files[file] = nil
	}
	return &memFile{store: m, file: file}, nil
}

func (m *MemStore) Size(file FileID) (uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[file]
	return uint32(len(data)), ok, nil
}

func (m *MemStore) List() ([]DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]DirEntry, 0, len(m.files))
	for id, data := range m.files {
		if id == DirectoryFile {
			continue
		}
		entries = append(entries, DirEntry{File: id, Size: uint32(len(data))})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].File < entries[j].File
	})
	return entries, nil
}

type memFile struct {
	store  *MemStore
	file   FileID
	closed bool
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.store.readErr != nil {
		return 0, f.store.readErr
	}
	data := f.store.files[f.file]
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.store.writeErr != nil {
		return 0, f.store.writeErr
	}
	f.store.writes++
	data := f.store.files[f.file]
	end := off + int64(len(p))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[off:], p)
	f.store.files[f.file] = data
	return len(p), nil
}

func (f *memFile) Close() error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.closed = true
	return nil
}

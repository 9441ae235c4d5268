package lib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirStoreReadWrite(t *testing.T) {
	store, err := NewDirStore(t.TempDir(), ".txt")
	require.NoError(t, err)

	_, err = store.Open(3, OpenRead)
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, exists, err := store.Size(3)
	require.NoError(t, err)
	assert.False(t, exists)

	f, err := store.Open(3, OpenWrite)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("def"), 3)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	size, exists, err := store.Size(3)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, uint32(6), size)

	f, err = store.Open(3, OpenRead)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 4)
	n, _ := f.ReadAt(buf, 2)
	assert.Equal(t, "cdef", string(buf[:n]))
	assert.Equal(t, "3.txt", filepath.Base(store.Path(3)))
}

func TestDirStoreList(t *testing.T) {
	root := t.TempDir()
	store, err := NewDirStore(root, ".txt")
	require.NoError(t, err)

	for name, size := range map[string]int{
		"12.txt":       5,
		"2.txt":        7,
		"0.txt":        1, // reserved for the listing
		"notes.txt":    3,
		"4.bin":        2,
		"70000.txt":    1, // beyond the identifier range
		"a-9.txt":      4, // belongs to a peer view
		"240ac4-1.txt": 9,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), make([]byte, size), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "5.txt"), 0o755))

	entries, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{File: 2, Size: 7}, {File: 12, Size: 5}}, entries)

	scoped := store.ForPeer("24:0a:c4:00:00:01")
	assert.Equal(t, "240ac4000001-1.txt", filepath.Base(scoped.(*DirStore).Path(1)))
}

func TestDirStorePeerView(t *testing.T) {
	root := t.TempDir()
	store, err := NewDirStore(root, ".txt")
	require.NoError(t, err)

	view := store.ForPeer("node-a")
	f, err := view.Open(7, OpenWrite)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("x"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = os.Stat(filepath.Join(root, "node_a-7.txt"))
	assert.NoError(t, err)

	entries, err := view.List()
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{File: 7, Size: 1}}, entries)

	entries, err = store.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemStore(t *testing.T) {
	m := NewMemStore()
	m.Put(DirectoryFile, []byte("ignored"))
	m.Put(2, []byte("hello"))

	entries, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{File: 2, Size: 5}}, entries)

	f, err := m.Open(2, OpenRead)
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 3)
	assert.Equal(t, 2, n)
	assert.Error(t, err)
	require.NoError(t, f.Close())
	_, err = f.ReadAt(buf, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

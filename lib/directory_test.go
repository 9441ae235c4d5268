package lib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEntry(t *testing.T) {
	local := NewMemStore()
	local.Put(5, make([]byte, 40))
	local.Put(6, make([]byte, 100))

	entry, ok, err := ResolveEntry(local, DirEntry{File: 5, Size: 100})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DirEntry{File: 5, Size: 40}, entry)

	_, ok, err = ResolveEntry(local, DirEntry{File: 6, Size: 100})
	require.NoError(t, err)
	assert.False(t, ok)

	entry, ok, err = ResolveEntry(local, DirEntry{File: 7, Size: 100})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DirEntry{File: 7, Size: 0}, entry)
}

func TestDirectoryParserSplitEntries(t *testing.T) {
	local := NewMemStore()
	local.Put(2, []byte("complete"))
	queue := NewEntryRing(8)
	parser := NewDirectoryParser(local, queue, nil)

	listing := EncodeDirEntries([]DirEntry{
		{File: 0, Size: 12}, // never fetched
		{File: 1, Size: 10},
		{File: 2, Size: 8},
		{File: 3, Size: 70000},
	})
	// blocks of 4 bytes split every entry
	for i := 0; i < len(listing); i += 4 {
		end := i + 4
		if end > len(listing) {
			end = len(listing)
		}
		parser.Feed(listing[i:end])
	}
	assert.Equal(t, 2, parser.Finish())

	e, ok := queue.Pop()
	require.True(t, ok)
	assert.Equal(t, DirEntry{File: 1, Size: 0}, e)
	e, ok = queue.Pop()
	require.True(t, ok)
	assert.Equal(t, DirEntry{File: 3, Size: 0}, e)
	_, ok = queue.Pop()
	assert.False(t, ok)
}

func TestDirectoryParserDropsWhenQueueFull(t *testing.T) {
	queue := NewEntryRing(2)
	parser := NewDirectoryParser(NewMemStore(), queue, nil)
	parser.Feed(EncodeDirEntries([]DirEntry{{File: 1, Size: 1}, {File: 2, Size: 1}, {File: 3, Size: 1}}))
	assert.Equal(t, 2, parser.Finish())
	assert.Equal(t, 2, queue.Len())

	parser.Reset(NewMemStore())
	queue.Reset()
	parser.Feed([]byte{0, 9, 0})
	assert.Equal(t, 0, parser.Finish())
}

func TestDirectoryParserUsesLocalSizes(t *testing.T) {
	local := NewMockBlockStore(t)
	local.EXPECT().Size(FileID(4)).Return(uint32(30), true, nil)
	local.EXPECT().Size(FileID(8)).Return(uint32(0), false, errors.New("io error"))

	queue := NewEntryRing(4)
	parser := NewDirectoryParser(local, queue, nil)
	parser.Feed(EncodeDirEntries([]DirEntry{{File: 4, Size: 90}, {File: 8, Size: 10}}))
	assert.Equal(t, 1, parser.Finish())

	e, _ := queue.Pop()
	assert.Equal(t, DirEntry{File: 4, Size: 30}, e)
}

func TestListingRebuildsOnlyAtOffsetZero(t *testing.T) {
	store := NewMockBlockStore(t)
	store.EXPECT().List().Return([]DirEntry{{File: 1, Size: 10}, {File: 2, Size: 20}}, nil).Once()
	store.EXPECT().List().Return([]DirEntry{{File: 1, Size: 10}}, nil).Once()

	listing := NewListing(store)
	require.NoError(t, listing.Prepare(0))
	assert.Equal(t, 2, listing.Entries())
	assert.Equal(t, []byte{0, 1, 0, 0, 0, 10, 0, 2}, listing.Read(0, 8))
	assert.Equal(t, []byte{0, 0, 0, 20}, listing.Read(8, 8))
	assert.Nil(t, listing.Read(12, 8))

	// paging keeps the snapshot
	require.NoError(t, listing.Prepare(6))
	assert.Equal(t, 2, listing.Entries())

	require.NoError(t, listing.Prepare(0))
	assert.Equal(t, 1, listing.Entries())
}

func TestListingStorageError(t *testing.T) {
	store := NewMockBlockStore(t)
	store.EXPECT().List().Return(nil, errors.New("unmounted"))

	listing := NewListing(store)
	assert.Error(t, listing.Prepare(0))
}

package lib

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startReadAhead(t *testing.T, store BlockStore, capacity int) *ReadAhead {
	t.Helper()
	cfg := DefaultPipelineConfig()
	cfg.ReadAheadCapacity = capacity
	r := NewReadAhead(store, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

// readBlock retries TryRead until the read-ahead has the bytes.
func readBlock(t *testing.T, r *ReadAhead, file FileID, offset uint32, n int) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		data, err := r.TryRead(file, offset, n)
		if !errors.Is(err, ErrNotReady) {
			require.NoError(t, err)
			return data
		}
		select {
		case <-r.Ready():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("read of file %d at %d never became ready", file, offset)
		}
	}
}

func TestReadAheadSequentialHits(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 10)
	store := NewMemStore()
	store.Put(1, content)
	r := startReadAhead(t, store, 64)

	var got []byte
	for off := 0; off < len(content); off += 16 {
		got = append(got, readBlock(t, r, 1, uint32(off), 16)...)
	}
	assert.Equal(t, content, got)
	// 100 bytes through a 64 byte cache takes a handful of storage reads, not one per block
	assert.Less(t, r.Fetches(), uint64(7))
}

func TestReadAheadShortAtEOF(t *testing.T) {
	store := NewMemStore()
	store.Put(1, []byte("abcdefghij"))
	r := startReadAhead(t, store, 64)

	assert.Equal(t, []byte("abcdef"), readBlock(t, r, 1, 0, 6))
	assert.Equal(t, []byte("ghij"), readBlock(t, r, 1, 6, 6))
	assert.Empty(t, readBlock(t, r, 1, 10, 6))
}

func TestReadAheadInvalidatesOnJump(t *testing.T) {
	store := NewMemStore()
	store.Put(1, []byte("abcdefghijklmnopqrstuvwxyz"))
	store.Put(2, []byte("ABCDEFGHIJ"))
	r := startReadAhead(t, store, 8)

	assert.Equal(t, []byte("abcd"), readBlock(t, r, 1, 0, 4))
	// backwards
	assert.Equal(t, []byte("abcd"), readBlock(t, r, 1, 0, 4))
	// far forward
	assert.Equal(t, []byte("uvwx"), readBlock(t, r, 1, 20, 4))
	// other file
	assert.Equal(t, []byte("CDEF"), readBlock(t, r, 2, 2, 4))
}

func TestReadAheadSkipsWithinCache(t *testing.T) {
	store := NewMemStore()
	store.Put(1, []byte("abcdefghijklmnop"))
	r := startReadAhead(t, store, 16)

	assert.Equal(t, []byte("ab"), readBlock(t, r, 1, 0, 2))
	fetches := r.Fetches()
	assert.Equal(t, []byte("ef"), readBlock(t, r, 1, 4, 2))
	assert.Equal(t, fetches, r.Fetches())
}

func TestReadAheadReportsStorageError(t *testing.T) {
	store := NewMemStore()
	store.Put(1, []byte("abc"))
	boom := errors.New("bad sector")
	store.FailReads(boom)
	r := startReadAhead(t, store, 16)

	_, err := r.TryRead(1, 0, 2)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Eventually(t, func() bool {
		_, err := r.TryRead(1, 0, 2)
		return errors.Is(err, boom)
	}, 2*time.Second, 5*time.Millisecond)

	r.Reset()
	store.FailReads(nil)
	assert.Equal(t, []byte("ab"), readBlock(t, r, 1, 0, 2))
}

func TestReadAheadMissingFile(t *testing.T) {
	r := startReadAhead(t, NewMemStore(), 16)
	r.TryRead(9, 0, 4)
	assert.Eventually(t, func() bool {
		_, err := r.TryRead(9, 0, 4)
		return errors.Is(err, ErrFileNotFound)
	}, 2*time.Second, 5*time.Millisecond)
}

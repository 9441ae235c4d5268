package lib

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWritePipe(t *testing.T, store BlockStore, cfg *PipelineConfig) *WritePipe {
	t.Helper()
	w := NewWritePipe(store, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func drain(t *testing.T, w *WritePipe) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return w.Drain(ctx)
}

func TestWritePipeWritesInOrder(t *testing.T) {
	store := NewMemStore()
	w := startWritePipe(t, store, DefaultPipelineConfig())

	require.NoError(t, w.Open(3, 0))
	require.NoError(t, w.TryPush(0, []byte("hello ")))
	require.NoError(t, w.TryPush(6, []byte("world")))
	assert.Equal(t, uint32(11), w.Expected())
	require.NoError(t, w.CloseFile())
	require.NoError(t, drain(t, w))

	data, ok := store.Bytes(3)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))
	assert.True(t, w.Idle())
	assert.Equal(t, uint64(11), w.Written())
	// both pushes fit one buffer
	assert.Equal(t, 1, store.Writes())
}

func TestWritePipeRejectsOffsetGap(t *testing.T) {
	store := NewMemStore()
	w := startWritePipe(t, store, DefaultPipelineConfig())

	require.NoError(t, w.Open(1, 100))
	err := w.TryPush(0, []byte("x"))
	assert.ErrorIs(t, err, ErrOffsetMismatch)
	err = w.TryPush(101, []byte("x"))
	assert.ErrorIs(t, err, ErrOffsetMismatch)
	require.NoError(t, w.TryPush(100, []byte("x")))

	w.CloseFile()
	assert.ErrorIs(t, w.TryPush(101, []byte("y")), ErrClosed)
}

func TestWritePipeResumesAtOffset(t *testing.T) {
	store := NewMemStore()
	store.Put(2, []byte("0123"))
	w := startWritePipe(t, store, DefaultPipelineConfig())

	require.NoError(t, w.Open(2, 4))
	require.NoError(t, w.TryPush(4, []byte("4567")))
	require.NoError(t, w.CloseFile())
	require.NoError(t, drain(t, w))

	data, _ := store.Bytes(2)
	assert.Equal(t, "01234567", string(data))
}

func TestWritePipeFullWhenCapacityReached(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.WriteCapacity = 8
	w := NewWritePipe(NewMemStore(), cfg, nil) // consumer not running

	require.NoError(t, w.Open(1, 0))
	require.NoError(t, w.TryPush(0, []byte("12345")))
	assert.ErrorIs(t, w.TryPush(5, []byte("6789")), ErrPipeFull)
	// a rejected push leaves the cursor alone
	assert.Equal(t, uint32(5), w.Expected())
	require.NoError(t, w.TryPush(5, []byte("678")))
	assert.Equal(t, 8, w.Pending())
	assert.False(t, w.Idle())
}

func TestWritePipeStorageError(t *testing.T) {
	store := NewMemStore()
	boom := errors.New("card removed")
	store.FailWrites(boom)
	w := startWritePipe(t, store, DefaultPipelineConfig())

	require.NoError(t, w.Open(1, 0))
	require.NoError(t, w.TryPush(0, []byte("data")))
	require.NoError(t, w.CloseFile())
	assert.ErrorIs(t, drain(t, w), boom)
	assert.ErrorIs(t, w.Err(), boom)
	assert.True(t, w.Idle())

	w.ClearErr()
	assert.NoError(t, w.Err())
}

func TestWritePipeKeepsErrorAcrossReopen(t *testing.T) {
	store := NewMemStore()
	boom := errors.New("card removed")
	w := startWritePipe(t, store, DefaultPipelineConfig())

	store.FailWrites(boom)
	require.NoError(t, w.Open(1, 0))
	require.NoError(t, w.TryPush(0, []byte("0123456789")))
	require.NoError(t, w.CloseFile())
	require.Eventually(t, func() bool { return w.Err() != nil }, time.Second, 5*time.Millisecond)

	// the next segment must not land behind the lost one
	store.FailWrites(nil)
	require.NoError(t, w.Open(1, 10))
	require.NoError(t, w.TryPush(10, []byte("abcdef")))
	require.NoError(t, w.CloseFile())
	assert.ErrorIs(t, drain(t, w), boom)
	data, _ := store.Bytes(1)
	assert.Empty(t, data)

	w.ClearErr()
	require.NoError(t, w.Open(1, 0))
	require.NoError(t, w.TryPush(0, []byte("0123456789")))
	require.NoError(t, w.CloseFile())
	require.NoError(t, drain(t, w))
	data, _ = store.Bytes(1)
	assert.Equal(t, "0123456789", string(data))
}

func TestWritePipeFlushesOnIdle(t *testing.T) {
	store := NewMemStore()
	cfg := DefaultPipelineConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	w := startWritePipe(t, store, cfg)

	require.NoError(t, w.Open(1, 0))
	require.NoError(t, w.TryPush(0, []byte("tail")))
	assert.Eventually(t, func() bool {
		data, _ := store.Bytes(1)
		return string(data) == "tail"
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, w.Idle, time.Second, 5*time.Millisecond)
}

package lib

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type writeOp int

const (
	writeOpen writeOp = iota
	writeData
	writeClose
	writeFlush
)

type writeItem struct {
	op     writeOp
	store  BlockStore
	file   FileID
	offset uint32
	data   []byte
	done   chan struct{}
}

// WritePipe moves received bytes to storage on its own goroutine. The engine is
// the only producer; Run is the only consumer.
type WritePipe struct {
	store    BlockStore
	capacity int
	flushAt  int
	interval time.Duration
	items    *Queue[writeItem]
	log      *slog.Logger

	// producer side
	file     FileID
	expected uint32
	open     bool

	pending     atomic.Int64 // bytes pushed and not yet on storage
	outstanding atomic.Int64 // items pushed and not yet handled
	written     atomic.Uint64

	errMu sync.Mutex
	err   error

	// consumer side
	cur      BlockFile
	curFile  FileID
	base     uint32 // storage offset of buf[0]
	cursor   uint32 // next offset the consumer accepts
	buf      []byte
	failed   bool
	lastData time.Time
}

func NewWritePipe(store BlockStore, cfg *PipelineConfig, log *slog.Logger) *WritePipe {
	if log == nil {
		log = slog.Default()
	}
	return &WritePipe{
		store:    store,
		capacity: cfg.WriteCapacity,
		flushAt:  cfg.WriteCapacity / 2,
		interval: cfg.FlushInterval,
		items:    NewQueue[writeItem](cfg.WriteQueueItems),
		log:      log,
		buf:      make([]byte, 0, cfg.WriteCapacity),
	}
}

// SetStore switches the store used by subsequent Opens.
func (w *WritePipe) SetStore(store BlockStore) {
	w.store = store
}

// Open starts a new file whose first pushed byte lands at offset. While a
// storage error is pending the consumer discards the file until ClearErr.
func (w *WritePipe) Open(file FileID, offset uint32) error {
	if w.items.Len() >= w.items.Cap()-1 {
		return ErrPipeFull
	}
	if !w.enqueue(writeItem{op: writeOpen, store: w.store, file: file, offset: offset}) {
		return ErrPipeFull
	}
	w.file, w.expected, w.open = file, offset, true
	return nil
}

// TryPush hands data at offset to the consumer without blocking. It rejects
// any offset other than Expected and fails with ErrPipeFull when the pipe has no room.
func (w *WritePipe) TryPush(offset uint32, data []byte) error {
	if !w.open {
		return ErrClosed
	}
	if offset != w.expected {
		return fmt.Errorf("%w: push at %d, expected %d", ErrOffsetMismatch, offset, w.expected)
	}
	if len(data) == 0 {
		return nil
	}
	if w.pending.Load()+int64(len(data)) > int64(w.capacity) {
		return ErrPipeFull
	}
	// keep one slot so CloseFile never fails
	if w.items.Len() >= w.items.Cap()-1 {
		return ErrPipeFull
	}
	item := writeItem{op: writeData, file: w.file, offset: offset, data: append([]byte(nil), data...)}
	w.pending.Add(int64(len(data)))
	if !w.enqueue(item) {
		w.pending.Add(-int64(len(data)))
		return ErrPipeFull
	}
	w.expected += uint32(len(data))
	return nil
}

// CloseFile queues the end of the current file. The consumer flushes and closes the handle.
func (w *WritePipe) CloseFile() error {
	if !w.open {
		return nil
	}
	if !w.enqueue(writeItem{op: writeClose, file: w.file}) {
		return ErrPipeFull
	}
	w.open = false
	return nil
}

// Drain waits until everything pushed so far is on storage.
func (w *WritePipe) Drain(ctx context.Context) error {
	done := make(chan struct{})
	w.outstanding.Add(1)
	if err := w.items.Push(ctx, writeItem{op: writeFlush, done: done}); err != nil {
		w.outstanding.Add(-1)
		return err
	}
	select {
	case <-done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Expected is the offset the next push must carry.
func (w *WritePipe) Expected() uint32 {
	return w.expected
}

func (w *WritePipe) IsOpen() bool {
	return w.open
}

// Idle reports whether every pushed item has been handled and written.
func (w *WritePipe) Idle() bool {
	return w.outstanding.Load() == 0 && w.pending.Load() == 0
}

func (w *WritePipe) Pending() int {
	return int(w.pending.Load())
}

// Written is the number of bytes stored so far.
func (w *WritePipe) Written() uint64 {
	return w.written.Load()
}

// ClearErr forgets a reported storage error.
func (w *WritePipe) ClearErr() {
	w.errMu.Lock()
	w.err = nil
	w.errMu.Unlock()
}

// Err returns the storage error of the current file, if any.
func (w *WritePipe) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *WritePipe) enqueue(item writeItem) bool {
	w.outstanding.Add(1)
	if !w.items.TryPush(item) {
		w.outstanding.Add(-1)
		return false
	}
	return true
}

// Run consumes pushed items until ctx ends, then flushes and closes the open file.
func (w *WritePipe) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for {
				item, ok := w.items.TryPop()
				if !ok {
					break
				}
				w.handle(item)
			}
			w.closeCurrent()
			return
		case item := <-w.items.C():
			w.handle(item)
		case now := <-ticker.C:
			if len(w.buf) > 0 && now.Sub(w.lastData) >= w.interval {
				w.flush()
			}
		}
	}
}

func (w *WritePipe) handle(item writeItem) {
	if item.op == writeFlush {
		// runs after the count drops so a drained pipe reads as idle
		defer close(item.done)
	}
	defer w.outstanding.Add(-1)
	switch item.op {
	case writeOpen:
		w.closeCurrent()
		if err := w.Err(); err != nil {
			w.log.Warn("write pipe: discarding file after storage error", "file", item.file, "err", err)
			w.failed = true
			w.curFile = item.file
			return
		}
		f, err := item.store.Open(item.file, OpenWrite)
		if err != nil {
			w.setErr(fmt.Errorf("open file %d for writing: %w", item.file, err))
			w.failed = true
			w.curFile = item.file
			return
		}
		w.cur, w.curFile, w.failed = f, item.file, false
		w.base, w.cursor = item.offset, item.offset
		w.buf = w.buf[:0]
	case writeData:
		if w.failed || w.cur == nil || item.file != w.curFile {
			w.pending.Add(-int64(len(item.data)))
			return
		}
		if item.offset != w.cursor {
			w.log.Error("write pipe: dropping out of order push", "file", item.file, "offset", item.offset, "cursor", w.cursor)
			w.pending.Add(-int64(len(item.data)))
			return
		}
		if len(w.buf)+len(item.data) > cap(w.buf) {
			w.flush()
		}
		w.buf = append(w.buf, item.data...)
		w.cursor += uint32(len(item.data))
		w.lastData = time.Now()
		if len(w.buf) >= w.flushAt {
			w.flush()
		}
	case writeClose:
		w.closeCurrent()
	case writeFlush:
		w.flush()
	}
}

// flush performs one storage write for everything buffered.
func (w *WritePipe) flush() {
	if len(w.buf) == 0 {
		return
	}
	n := len(w.buf)
	if w.cur != nil && !w.failed {
		if _, err := w.cur.WriteAt(w.buf, int64(w.base)); err != nil {
			w.setErr(fmt.Errorf("write file %d at %d: %w", w.curFile, w.base, err))
			w.failed = true
		} else {
			w.written.Add(uint64(n))
		}
	}
	w.pending.Add(-int64(n))
	w.base += uint32(n)
	w.buf = w.buf[:0]
}

func (w *WritePipe) closeCurrent() {
	w.flush()
	if w.cur != nil {
		if err := w.cur.Close(); err != nil {
			w.setErr(fmt.Errorf("close file %d: %w", w.curFile, err))
		}
		w.cur = nil
	}
}

func (w *WritePipe) setErr(err error) {
	w.log.Error("write pipe storage error", "err", err)
	w.errMu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.errMu.Unlock()
}

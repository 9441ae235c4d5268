package lib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type fetchReq struct {
	gen     uint64
	file    FileID
	offset  uint32
	n       int
	release bool // close the handle instead of reading
}

// ReadAhead caches one contiguous run of a file ahead of the node's read
// position. Storage reads happen on the Run goroutine; TryRead never blocks on them.
type ReadAhead struct {
	store    BlockStore
	capacity int
	log      *slog.Logger

	mu          sync.Mutex
	valid       bool
	file        FileID
	start       uint32 // file offset of buf[0]
	buf         []byte
	eof         bool // file ends at start+len(buf)
	err         error
	gen         uint64
	inflight    bool
	inflightGen uint64
	want        *fetchReq
	fetches     uint64

	kick  chan struct{}
	ready chan struct{}

	// owned by Run
	handle     BlockFile
	handleFile FileID
}

func NewReadAhead(store BlockStore, cfg *PipelineConfig, log *slog.Logger) *ReadAhead {
	if log == nil {
		log = slog.Default()
	}
	return &ReadAhead{
		store:    store,
		capacity: cfg.ReadAheadCapacity,
		log:      log,
		buf:      make([]byte, 0, cfg.ReadAheadCapacity),
		kick:     make(chan struct{}, 1),
		ready:    make(chan struct{}, 1),
	}
}

// Ready is signalled whenever a storage read completes.
func (r *ReadAhead) Ready() <-chan struct{} {
	return r.ready
}

// TryRead returns up to n bytes of file at offset. A short result means the file
// ends there. ErrNotReady means the bytes are being fetched; wait on Ready and retry.
func (r *ReadAhead) TryRead(file FileID, offset uint32, n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := r.start + uint32(len(r.buf))
	if !r.valid || file != r.file || offset < r.start || offset > end {
		r.invalidateLocked(file, offset)
		r.scheduleLocked()
		return nil, ErrNotReady
	}
	if r.err != nil {
		return nil, r.err
	}

	r.consumeLocked(int(offset - r.start))
	avail := len(r.buf)
	if avail < n && !r.eof {
		r.scheduleLocked()
		return nil, ErrNotReady
	}
	if avail > n {
		avail = n
	}
	out := append([]byte(nil), r.buf[:avail]...)
	r.consumeLocked(avail)

	if len(r.buf) < r.capacity/2 {
		r.scheduleLocked()
	}
	return out, nil
}

// Reset drops the cache and closes the read handle.
func (r *ReadAhead) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.valid = false
	r.err = nil
	r.eof = false
	r.buf = r.buf[:0]
	r.want = &fetchReq{gen: r.gen, release: true}
	r.signal(r.kick)
}

// Fetches counts storage reads performed.
func (r *ReadAhead) Fetches() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

func (r *ReadAhead) consumeLocked(k int) {
	if k <= 0 {
		return
	}
	copy(r.buf, r.buf[k:])
	r.buf = r.buf[:len(r.buf)-k]
	r.start += uint32(k)
}

func (r *ReadAhead) invalidateLocked(file FileID, offset uint32) {
	r.gen++
	r.valid = true
	r.file = file
	r.start = offset
	r.buf = r.buf[:0]
	r.eof = false
	r.err = nil
}

func (r *ReadAhead) scheduleLocked() {
	if r.eof || r.err != nil {
		return
	}
	if r.inflight && r.inflightGen == r.gen {
		return
	}
	room := r.capacity - len(r.buf)
	if room <= 0 {
		return
	}
	r.want = &fetchReq{gen: r.gen, file: r.file, offset: r.start + uint32(len(r.buf)), n: room}
	r.signal(r.kick)
}

func (r *ReadAhead) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run performs the storage reads requested by TryRead until ctx ends.
func (r *ReadAhead) Run(ctx context.Context) {
	defer r.closeHandle()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
		}

		r.mu.Lock()
		req := r.want
		r.want = nil
		if req != nil && !req.release {
			r.inflight, r.inflightGen = true, req.gen
		}
		r.mu.Unlock()
		if req == nil {
			continue
		}
		if req.release {
			r.closeHandle()
			continue
		}

		data, eof, err := r.fetch(req)

		r.mu.Lock()
		r.inflight = false
		r.fetches++
		if req.gen == r.gen {
			if err != nil {
				r.err = err
			} else {
				r.buf = append(r.buf, data...)
				r.eof = eof
			}
			r.signal(r.ready)
		}
		if r.want != nil {
			r.signal(r.kick)
		}
		r.mu.Unlock()
	}
}

func (r *ReadAhead) fetch(req *fetchReq) ([]byte, bool, error) {
	if r.handle == nil || r.handleFile != req.file {
		r.closeHandle()
		f, err := r.store.Open(req.file, OpenRead)
		if err != nil {
			return nil, false, fmt.Errorf("open file %d for reading: %w", req.file, err)
		}
		r.handle, r.handleFile = f, req.file
	}
	data := make([]byte, req.n)
	n, err := r.handle.ReadAt(data, int64(req.offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("read file %d at %d: %w", req.file, req.offset, err)
	}
	r.log.Debug("read ahead fetched", "file", req.file, "offset", req.offset, "bytes", n)
	return data[:n], n < req.n, nil
}

func (r *ReadAhead) closeHandle() {
	if r.handle != nil {
		if err := r.handle.Close(); err != nil {
			r.log.Warn("read ahead close failed", "file", r.handleFile, "err", err)
		}
		r.handle = nil
	}
}

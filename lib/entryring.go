package lib

import (
	"sync"
)

// EntryRing is the bounded queue of directory entries the collector still has to fetch.
type EntryRing struct {
	entries         []DirEntry
	capacity        int
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	mtx             sync.Mutex
}

func NewEntryRing(capacity int) *EntryRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &EntryRing{
		entries:  make([]DirEntry, capacity),
		capacity: capacity,
		isEmpty:  true,
	}
}

// Push appends e. It returns false when the ring is full.
func (r *EntryRing) Push(e DirEntry) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.isFull {
		return false
	}

	r.entries[r.writeIdx] = e
	r.writeIdx = (r.writeIdx + 1) % r.capacity // Move write index circularly

	if r.writeIdx == r.readIdx {
		r.isFull = true
	}
	r.isEmpty = false
	return true
}

// Pop removes the oldest entry.
func (r *EntryRing) Pop() (DirEntry, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.isEmpty {
		return DirEntry{}, false
	}

	e := r.entries[r.readIdx]
	r.readIdx = (r.readIdx + 1) % r.capacity

	if r.readIdx == r.writeIdx {
		r.isEmpty = true
	}
	r.isFull = false
	return e, true
}

func (r *EntryRing) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	switch {
	case r.isFull:
		return r.capacity
	case r.isEmpty:
		return 0
	case r.writeIdx > r.readIdx:
		return r.writeIdx - r.readIdx
	default:
		return r.capacity - (r.readIdx - r.writeIdx)
	}
}

func (r *EntryRing) Reset() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.readIdx, r.writeIdx = 0, 0
	r.isFull, r.isEmpty = false, true
}

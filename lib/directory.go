package lib

import (
	"fmt"
	"log/slog"
)

// Listing is the node's encoded directory. It is rebuilt for reads starting at
// offset 0; reads at later offsets page the last snapshot.
type Listing struct {
	store    BlockStore
	snapshot []byte
	built    bool
	entries  int
}

func NewListing(store BlockStore) *Listing {
	return &Listing{store: store}
}

// Prepare is called for every READ_REQUEST of DirectoryFile.
func (l *Listing) Prepare(offset uint32) error {
	if offset != 0 && l.built {
		return nil
	}
	return l.Rebuild()
}

func (l *Listing) Rebuild() error {
	entries, err := l.store.List()
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	l.snapshot = EncodeDirEntries(entries)
	l.entries = len(entries)
	l.built = true
	return nil
}

// Read returns up to n bytes of the snapshot at offset.
func (l *Listing) Read(offset uint32, n int) []byte {
	if int64(offset) >= int64(len(l.snapshot)) {
		return nil
	}
	end := int(offset) + n
	if end > len(l.snapshot) {
		end = len(l.snapshot)
	}
	return l.snapshot[offset:end]
}

func (l *Listing) Entries() int {
	return l.entries
}

// DirectoryParser turns the collector's view of DirectoryFile into queued
// fetches. Entries may straddle DATA blocks.
type DirectoryParser struct {
	local   BlockStore
	queue   *EntryRing
	log     *slog.Logger
	rem     []byte
	parsed  int
	queued  int
	dropped int
}

func NewDirectoryParser(local BlockStore, queue *EntryRing, log *slog.Logger) *DirectoryParser {
	if log == nil {
		log = slog.Default()
	}
	return &DirectoryParser{local: local, queue: queue, log: log}
}

// Reset starts a new listing against local.
func (d *DirectoryParser) Reset(local BlockStore) {
	d.local = local
	d.rem = d.rem[:0]
	d.parsed, d.queued, d.dropped = 0, 0, 0
}

func (d *DirectoryParser) Feed(b []byte) {
	if len(d.rem) > 0 {
		need := DirEntryLength - len(d.rem)
		if len(b) < need {
			d.rem = append(d.rem, b...)
			return
		}
		d.rem = append(d.rem, b[:need]...)
		d.resolve(DecodeDirEntry(d.rem))
		d.rem = d.rem[:0]
		b = b[need:]
	}
	for len(b) >= DirEntryLength {
		d.resolve(DecodeDirEntry(b))
		b = b[DirEntryLength:]
	}
	d.rem = append(d.rem, b...)
}

// Finish ends the listing and returns the number of entries queued.
func (d *DirectoryParser) Finish() int {
	if len(d.rem) > 0 {
		d.log.Warn("directory listing ends inside an entry", "trailing_bytes", len(d.rem))
		d.rem = d.rem[:0]
	}
	d.log.Info("directory listing parsed", "entries", d.parsed, "queued", d.queued, "dropped", d.dropped)
	return d.queued
}

// resolve queues remote unless the local copy is already complete. A queued
// entry carries the resume offset in Size.
func (d *DirectoryParser) resolve(remote DirEntry) {
	d.parsed++
	if remote.File == DirectoryFile {
		return
	}
	entry, ok, err := ResolveEntry(d.local, remote)
	if err != nil {
		d.log.Warn("cannot size local file, skipping", "file", remote.File, "err", err)
		return
	}
	if !ok {
		return
	}
	if !d.queue.Push(entry) {
		d.dropped++
		d.log.Debug("fetch queue full, dropping entry", "file", entry.File)
		return
	}
	d.queued++
}

// ResolveEntry compares a remote entry with the local file. It returns the entry
// to fetch with Size set to the resume offset, or false when nothing is missing.
func ResolveEntry(local BlockStore, remote DirEntry) (DirEntry, bool, error) {
	size, exists, err := local.Size(remote.File)
	if err != nil {
		return DirEntry{}, false, err
	}
	if !exists {
		return DirEntry{File: remote.File, Size: 0}, true, nil
	}
	if size < remote.Size {
		return DirEntry{File: remote.File, Size: size}, true, nil
	}
	return DirEntry{}, false, nil
}

package lib

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type OpenMode int

const (
	OpenRead OpenMode = iota
	OpenWrite
)

// DirEntry is one record of the directory listing. On the collector Size is
// reused as the resume offset once an entry is queued.
type DirEntry struct {
	File FileID
	Size uint32
}

// BlockFile is an open file. Each call is one storage operation.
type BlockFile interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}

type BlockStore interface {
	// Open fails with an error wrapping ErrFileNotFound when a file opened for reading does not exist.
	Open(file FileID, mode OpenMode) (BlockFile, error)
	// Size reports the current size and whether the file exists.
	Size(file FileID) (uint32, bool, error)
	// List returns every stored file except DirectoryFile, ascending by identifier.
	List() ([]DirEntry, error)
}

// PeerScoped is implemented by stores that keep a separate namespace per peer.
type PeerScoped interface {
	ForPeer(peer Addr) BlockStore
}

// DirStore keeps each file as <root>/<prefix><id><suffix>.
type DirStore struct {
	root   string
	prefix string
	suffix string
}

func NewDirStore(root, suffix string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("dir store: %w", err)
	}
	return &DirStore{root: root, suffix: suffix}, nil
}

// ForPeer returns a view of the same directory whose names are prefixed with "<peer>-".
func (d *DirStore) ForPeer(peer Addr) BlockStore {
	return &DirStore{root: d.root, prefix: StorageName(peer) + "-", suffix: d.suffix}
}

func (d *DirStore) Path(file FileID) string {
	return filepath.Join(d.root, d.prefix+strconv.Itoa(int(file))+d.suffix)
}

func (d *DirStore) Open(file FileID, mode OpenMode) (BlockFile, error) {
	path := d.Path(file)
	var (
		f   *os.File
		err error
	)
	if mode == OpenWrite {
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	} else {
		f, err = os.Open(path)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open %s: %w", path, ErrFileNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *DirStore) Size(file FileID) (uint32, bool, error) {
	info, err := os.Stat(d.Path(file))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if info.Size() > math.MaxUint32 {
		return 0, true, fmt.Errorf("%s is larger than 4GiB", d.Path(file))
	}
	return uint32(info.Size()), true, nil
}

func (d *DirStore) List() ([]DirEntry, error) {
	dirEntries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		id, ok := d.parseName(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, err
		}
		if info.Size() > math.MaxUint32 {
			continue
		}
		entries = append(entries, DirEntry{File: id, Size: uint32(info.Size())})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].File < entries[j].File
	})
	return entries, nil
}

func (d *DirStore) parseName(name string) (FileID, bool) {
	rest, ok := strings.CutPrefix(name, d.prefix)
	if !ok {
		return 0, false
	}
	if d.suffix != "" {
		if rest, ok = strings.CutSuffix(rest, d.suffix); !ok {
			return 0, false
		}
	}
	id, err := strconv.ParseUint(rest, 10, 16)
	if err != nil || id == uint64(DirectoryFile) {
		return 0, false
	}
	return FileID(id), true
}

// Package dump forwards every block the collector stores to a serial line,
// framed as DATAPAKT | mac(6) | file | offset | data | ENDPAKT.
// file and offset are little-endian, as the receiving host tools expect.
package dump

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clouded-Sabre/mtftp/lib"
	"github.com/google/uuid"
	"go.bug.st/serial"
)

var (
	frameStart = []byte("DATAPAKT")
	frameEnd   = []byte("ENDPAKT")
)

const frameHeaderLength = 8 + 6 + 2 + 4

// EncodeFrame builds one dump frame.
func EncodeFrame(mac [6]byte, file lib.FileID, offset uint32, data []byte) []byte {
	frame := make([]byte, 0, frameHeaderLength+len(data)+len(frameEnd))
	frame = append(frame, frameStart...)
	frame = append(frame, mac[:]...)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(file))
	frame = binary.LittleEndian.AppendUint32(frame, offset)
	frame = append(frame, data...)
	return append(frame, frameEnd...)
}

// PeerMAC returns the 6-byte station address used in frames. Peers that are
// not addressed by a MAC get a stable locally administered address derived
// from their transport address.
func PeerMAC(peer lib.Addr) [6]byte {
	var mac [6]byte
	if hw, err := net.ParseMAC(string(peer)); err == nil && len(hw) == 6 {
		copy(mac[:], hw)
		return mac
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(peer))
	copy(mac[:], id[:6])
	mac[0] = mac[0]&^0x01 | 0x02
	return mac
}

// Sink writes frames to a byte stream. Each frame goes out in a single Write.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	log    *slog.Logger
	frames atomic.Uint64
	bytes  atomic.Uint64
	errors atomic.Uint64
}

func NewSink(w io.Writer, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{w: w, log: log.With("component", "dump")}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenSerial opens a UART at baud 8N1 and returns a sink writing to it.
func OpenSerial(portName string, baud int, log *slog.Logger) (*Sink, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial port %s: %w", portName, err)
	}
	s := NewSink(port, log)
	s.log.Info("serial dump opened", "port", portName, "baud", baud)
	return s, nil
}

// Dump writes one frame for data stored at offset of file received from peer.
func (s *Sink) Dump(peer lib.Addr, file lib.FileID, offset uint32, data []byte) error {
	frame := EncodeFrame(PeerMAC(peer), file, offset, data)
	s.mu.Lock()
	_, err := s.w.Write(frame)
	s.mu.Unlock()
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("dump frame: %w", err)
	}
	s.frames.Add(1)
	s.bytes.Add(uint64(len(data)))
	return nil
}

// Stats returns frames written, payload bytes written and failed writes.
func (s *Sink) Stats() (frames, bytes, errors uint64) {
	return s.frames.Load(), s.bytes.Load(), s.errors.Load()
}

func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// TeeStore is a BlockStore that also dumps every successful write to a Sink.
// A failing dump is logged and does not fail the storage write.
type TeeStore struct {
	store lib.BlockStore
	sink  *Sink
	peer  lib.Addr
}

func NewTeeStore(store lib.BlockStore, sink *Sink) *TeeStore {
	return &TeeStore{store: store, sink: sink}
}

// ForPeer scopes the inner store when it supports it and tags frames with peer.
func (t *TeeStore) ForPeer(peer lib.Addr) lib.BlockStore {
	inner := t.store
	if scoped, ok := inner.(lib.PeerScoped); ok {
		inner = scoped.ForPeer(peer)
	}
	return &TeeStore{store: inner, sink: t.sink, peer: peer}
}

func (t *TeeStore) Open(file lib.FileID, mode lib.OpenMode) (lib.BlockFile, error) {
	f, err := t.store.Open(file, mode)
	if err != nil || mode != lib.OpenWrite {
		return f, err
	}
	return &teeFile{BlockFile: f, store: t, file: file}, nil
}

func (t *TeeStore) Size(file lib.FileID) (uint32, bool, error) {
	return t.store.Size(file)
}

func (t *TeeStore) List() ([]lib.DirEntry, error) {
	return t.store.List()
}

type teeFile struct {
	lib.BlockFile
	store *TeeStore
	file  lib.FileID
}

func (f *teeFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.BlockFile.WriteAt(p, off)
	if n > 0 {
		if derr := f.store.sink.Dump(f.store.peer, f.file, uint32(off), p[:n]); derr != nil {
			f.store.sink.log.Warn("dump failed", "peer", f.store.peer, "file", f.file, "offset", off, "err", derr)
		}
	}
	return n, err
}

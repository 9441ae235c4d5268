package lib

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrMalformed      = errors.New("malformed packet")
	ErrPipeFull       = errors.New("pipe full")
	ErrOffsetMismatch = errors.New("offset mismatch")
	ErrNotReady       = errors.New("data not ready")
	ErrFileNotFound   = errors.New("file not found")
	ErrClosed         = errors.New("closed")
	ErrNotPeer        = errors.New("address is not a registered peer")
	ErrPoolExhausted  = errors.New("payload pool exhausted")
)

// wireBlock truncates a block counter to its 16 bit wire form.
func wireBlock(block uint32) uint16 {
	return uint16(block)
}

// expandBlock maps a 16 bit wire block number to the 32 bit counter value closest to ref.
func expandBlock(wire uint16, ref uint32) uint32 {
	c := int64(ref&^0xffff) | int64(wire)
	r := int64(ref)
	if c-r > 0x8000 && c >= 0x10000 {
		c -= 0x10000
	} else if r-c > 0x8000 {
		c += 0x10000
	}
	return uint32(c)
}

// blockOffset returns the file offset of block (1 based) for a read that started at base.
func blockOffset(base uint32, block uint32, blockSize uint16) uint32 {
	return base + (block-1)*uint32(blockSize)
}

type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return true
}

func newTimeoutError(peer Addr, idle time.Duration) *TimeoutError {
	return &TimeoutError{msg: fmt.Sprintf("no packet from peer %s for %s", peer, idle.Round(time.Millisecond))}
}

// RemoteError is returned when the peer answers with an ERROR packet.
type RemoteError struct {
	Code ErrorCode
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer reported error: %s", e.Code)
}

// StorageName renders a peer address as a file name fragment: MAC addresses become
// bare hex, anything else keeps alphanumerics and maps the rest to '_'.
func StorageName(peer Addr) string {
	if hw, err := net.ParseMAC(string(peer)); err == nil {
		return fmt.Sprintf("%x", []byte(hw))
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			return r
		}
		return '_'
	}, string(peer))
}

package lib

import "fmt"

// PacketType is the first byte of every MTFTP datagram.
type PacketType uint8

const (
	PacketSync        PacketType = 0
	PacketReadRequest PacketType = 1
	PacketData        PacketType = 2
	PacketRetransmit  PacketType = 3
	PacketAck         PacketType = 4
	PacketError       PacketType = 5
)

func (t PacketType) String() string {
	switch t {
	case PacketSync:
		return "SYNC"
	case PacketReadRequest:
		return "READ_REQUEST"
	case PacketData:
		return "DATA"
	case PacketRetransmit:
		return "RETRANSMIT"
	case PacketAck:
		return "ACK"
	case PacketError:
		return "ERROR"
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// ErrorCode is carried by ERROR packets.
type ErrorCode uint8

const (
	ErrCodeUnknown      ErrorCode = 0
	ErrCodeFileNotFound ErrorCode = 1
	ErrCodeStorage      ErrorCode = 2
	ErrCodeBadRequest   ErrorCode = 3
	ErrCodeNotPeer      ErrorCode = 4
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnknown:
		return "unknown"
	case ErrCodeFileNotFound:
		return "file not found"
	case ErrCodeStorage:
		return "storage failure"
	case ErrCodeBadRequest:
		return "bad request"
	case ErrCodeNotPeer:
		return "not peer"
	}
	return fmt.Sprintf("code %d", uint8(c))
}

// Wire lengths
const (
	SyncPacketLength       = 8
	ReadRequestLength      = 12 // type, tag, file, offset, window, block size
	DataHeaderLength       = 4  // type, tag, block
	RetransmitHeaderLength = 3  // type, tag, count
	AckLength              = 4  // type, tag, block
	ErrorLength            = 2
	DirEntryLength         = 6 // file, size
	MaxRetransmitBlocks    = 64
	MaxDatagramLength      = 1472
)

// DirectoryFile is the file identifier reserved for the directory listing.
const DirectoryFile FileID = 0

// MaxBufferedTx is the default bound on datagrams handed to the radio and not yet completed.
const MaxBufferedTx = 8

// SyncPattern is the complete SYNC datagram. Its first byte doubles as PacketSync.
var SyncPattern = [SyncPacketLength]byte{0x00, 0xf5, 0x3a, 0x72, 0x89, 0x13, 0x57, 0xa5}

package lib

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FileID identifies a file on the node. DirectoryFile (0) is the listing.
type FileID uint16

// Packet is a decoded MTFTP datagram. Only the fields of its Type are meaningful.
type Packet struct {
	Type      PacketType
	Tag       uint8     // READ_REQUEST, DATA, RETRANSMIT, ACK: transfer tag chosen by the collector
	File      FileID    // READ_REQUEST
	Offset    uint32    // READ_REQUEST
	Window    uint16    // READ_REQUEST
	BlockSize uint16    // READ_REQUEST
	Block     uint16    // DATA, ACK
	Payload   []byte    // DATA; aliases the buffer given to Unmarshal
	Blocks    []uint16  // RETRANSMIT
	Code      ErrorCode // ERROR
}

func NewSyncPacket() *Packet {
	return &Packet{Type: PacketSync}
}

func NewReadRequest(tag uint8, file FileID, offset uint32, window, blockSize uint16) *Packet {
	return &Packet{Type: PacketReadRequest, Tag: tag, File: file, Offset: offset, Window: window, BlockSize: blockSize}
}

func NewDataPacket(tag uint8, block uint16, payload []byte) *Packet {
	return &Packet{Type: PacketData, Tag: tag, Block: block, Payload: payload}
}

func NewAckPacket(tag uint8, block uint16) *Packet {
	return &Packet{Type: PacketAck, Tag: tag, Block: block}
}

func NewRetransmitPacket(tag uint8, blocks []uint16) *Packet {
	return &Packet{Type: PacketRetransmit, Tag: tag, Blocks: blocks}
}

func NewErrorPacket(code ErrorCode) *Packet {
	return &Packet{Type: PacketError, Code: code}
}

// Len returns the encoded length of the packet.
func (p *Packet) Len() int {
	switch p.Type {
	case PacketSync:
		return SyncPacketLength
	case PacketReadRequest:
		return ReadRequestLength
	case PacketData:
		return DataHeaderLength + len(p.Payload)
	case PacketRetransmit:
		return RetransmitHeaderLength + 2*len(p.Blocks)
	case PacketAck:
		return AckLength
	case PacketError:
		return ErrorLength
	}
	return 0
}

// Marshal encodes the packet into buffer and returns the number of bytes written.
func (p *Packet) Marshal(buffer []byte) (int, error) {
	length := p.Len()
	if length == 0 {
		return 0, fmt.Errorf("marshal: unknown packet type %d", p.Type)
	}
	if len(buffer) < length {
		return 0, fmt.Errorf("marshal: buffer length(%d) is shorter than packet length(%d)", len(buffer), length)
	}
	switch p.Type {
	case PacketSync:
		copy(buffer, SyncPattern[:])
	case PacketReadRequest:
		buffer[0] = byte(p.Type)
		buffer[1] = p.Tag
		binary.BigEndian.PutUint16(buffer[2:4], uint16(p.File))
		binary.BigEndian.PutUint32(buffer[4:8], p.Offset)
		binary.BigEndian.PutUint16(buffer[8:10], p.Window)
		binary.BigEndian.PutUint16(buffer[10:12], p.BlockSize)
	case PacketData:
		buffer[0] = byte(p.Type)
		buffer[1] = p.Tag
		binary.BigEndian.PutUint16(buffer[2:4], p.Block)
		copy(buffer[DataHeaderLength:], p.Payload)
	case PacketRetransmit:
		if len(p.Blocks) == 0 || len(p.Blocks) > MaxRetransmitBlocks {
			return 0, fmt.Errorf("marshal: retransmit block count %d out of range", len(p.Blocks))
		}
		buffer[0] = byte(p.Type)
		buffer[1] = p.Tag
		buffer[2] = uint8(len(p.Blocks))
		for i, b := range p.Blocks {
			binary.BigEndian.PutUint16(buffer[RetransmitHeaderLength+2*i:], b)
		}
	case PacketAck:
		buffer[0] = byte(p.Type)
		buffer[1] = p.Tag
		binary.BigEndian.PutUint16(buffer[2:4], p.Block)
	case PacketError:
		buffer[0] = byte(p.Type)
		buffer[1] = byte(p.Code)
	}
	return length, nil
}

// MarshalBinary returns a freshly allocated encoding of the packet.
func (p *Packet) MarshalBinary() ([]byte, error) {
	buf := make([]byte, p.Len())
	n, err := p.Marshal(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Unmarshal decodes data into p. Payload keeps referencing data.
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty datagram", ErrMalformed)
	}
	*p = Packet{Type: PacketType(data[0])}
	switch p.Type {
	case PacketSync:
		if !IsSync(data) {
			return fmt.Errorf("%w: bad sync pattern", ErrMalformed)
		}
	case PacketReadRequest:
		if len(data) != ReadRequestLength {
			return fmt.Errorf("%w: read request length %d", ErrMalformed, len(data))
		}
		p.Tag = data[1]
		p.File = FileID(binary.BigEndian.Uint16(data[2:4]))
		p.Offset = binary.BigEndian.Uint32(data[4:8])
		p.Window = binary.BigEndian.Uint16(data[8:10])
		p.BlockSize = binary.BigEndian.Uint16(data[10:12])
	case PacketData:
		if len(data) < DataHeaderLength {
			return fmt.Errorf("%w: data length %d", ErrMalformed, len(data))
		}
		p.Tag = data[1]
		p.Block = binary.BigEndian.Uint16(data[2:4])
		p.Payload = data[DataHeaderLength:]
	case PacketRetransmit:
		if len(data) < RetransmitHeaderLength {
			return fmt.Errorf("%w: retransmit length %d", ErrMalformed, len(data))
		}
		p.Tag = data[1]
		count := int(data[2])
		if count == 0 || count > MaxRetransmitBlocks || len(data) != RetransmitHeaderLength+2*count {
			return fmt.Errorf("%w: retransmit count %d with length %d", ErrMalformed, count, len(data))
		}
		p.Blocks = make([]uint16, count)
		for i := range p.Blocks {
			p.Blocks[i] = binary.BigEndian.Uint16(data[RetransmitHeaderLength+2*i:])
		}
	case PacketAck:
		if len(data) != AckLength {
			return fmt.Errorf("%w: ack length %d", ErrMalformed, len(data))
		}
		p.Tag = data[1]
		p.Block = binary.BigEndian.Uint16(data[2:4])
	case PacketError:
		if len(data) != ErrorLength {
			return fmt.Errorf("%w: error length %d", ErrMalformed, len(data))
		}
		p.Code = ErrorCode(data[1])
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMalformed, data[0])
	}
	return nil
}

// IsSync reports whether data is exactly the SYNC datagram.
func IsSync(data []byte) bool {
	return len(data) == SyncPacketLength && bytes.Equal(data, SyncPattern[:])
}

func (p *Packet) String() string {
	switch p.Type {
	case PacketReadRequest:
		return fmt.Sprintf("%s tag=%d file=%d offset=%d window=%d block_size=%d", p.Type, p.Tag, p.File, p.Offset, p.Window, p.BlockSize)
	case PacketData:
		return fmt.Sprintf("%s tag=%d block=%d len=%d", p.Type, p.Tag, p.Block, len(p.Payload))
	case PacketRetransmit:
		return fmt.Sprintf("%s tag=%d blocks=%v", p.Type, p.Tag, p.Blocks)
	case PacketAck:
		return fmt.Sprintf("%s tag=%d block=%d", p.Type, p.Tag, p.Block)
	case PacketError:
		return fmt.Sprintf("%s code=%d (%s)", p.Type, p.Code, p.Code)
	}
	return p.Type.String()
}

// EncodeDirEntries packs entries in the order given.
func EncodeDirEntries(entries []DirEntry) []byte {
	buf := make([]byte, DirEntryLength*len(entries))
	for i, e := range entries {
		b := buf[i*DirEntryLength:]
		binary.BigEndian.PutUint16(b[0:2], uint16(e.File))
		binary.BigEndian.PutUint32(b[2:6], e.Size)
	}
	return buf
}

// DecodeDirEntry decodes one packed entry. b must hold at least DirEntryLength bytes.
func DecodeDirEntry(b []byte) DirEntry {
	return DirEntry{
		File: FileID(binary.BigEndian.Uint16(b[0:2])),
		Size: binary.BigEndian.Uint32(b[2:6]),
	}
}

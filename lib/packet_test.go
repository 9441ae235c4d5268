package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncPacketIsFixedPattern(t *testing.T) {
	data, err := NewSyncPacket().MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xf5, 0x3a, 0x72, 0x89, 0x13, 0x57, 0xa5}, data)
	assert.True(t, IsSync(data))

	assert.False(t, IsSync(data[:7]))
	bad := append([]byte(nil), data...)
	bad[7] = 0
	assert.False(t, IsSync(bad))

	p := &Packet{}
	assert.ErrorIs(t, p.Unmarshal(bad), ErrMalformed)
}

func TestReadRequestLayout(t *testing.T) {
	data, err := NewReadRequest(9, 7, 0x01020304, 16, 240).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 9, 0, 7, 1, 2, 3, 4, 0, 16, 0, 240}, data)

	p := &Packet{}
	require.NoError(t, p.Unmarshal(data))
	assert.Equal(t, PacketReadRequest, p.Type)
	assert.Equal(t, uint8(9), p.Tag)
	assert.Equal(t, FileID(7), p.File)
	assert.Equal(t, uint32(0x01020304), p.Offset)
	assert.Equal(t, uint16(16), p.Window)
	assert.Equal(t, uint16(240), p.BlockSize)

	assert.ErrorIs(t, p.Unmarshal(data[:ReadRequestLength-1]), ErrMalformed)
}

func TestDataPacketPayload(t *testing.T) {
	data, err := NewDataPacket(2, 0x0102, []byte("abc")).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 2, 1, 2, 'a', 'b', 'c'}, data)

	p := &Packet{}
	require.NoError(t, p.Unmarshal(data))
	assert.Equal(t, uint16(0x0102), p.Block)
	assert.Equal(t, []byte("abc"), p.Payload)

	// empty terminal block
	data, err = NewDataPacket(2, 5, nil).MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, p.Unmarshal(data))
	assert.Empty(t, p.Payload)
	assert.Equal(t, uint16(5), p.Block)
}

func TestRetransmitBounds(t *testing.T) {
	_, err := NewRetransmitPacket(1, nil).MarshalBinary()
	assert.Error(t, err)
	_, err = NewRetransmitPacket(1, make([]uint16, MaxRetransmitBlocks+1)).MarshalBinary()
	assert.Error(t, err)

	data, err := NewRetransmitPacket(1, []uint16{3, 0x0100}).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 1, 2, 0, 3, 1, 0}, data)

	p := &Packet{}
	require.NoError(t, p.Unmarshal(data))
	assert.Equal(t, []uint16{3, 0x0100}, p.Blocks)

	// count disagrees with length
	data[2] = 3
	assert.ErrorIs(t, p.Unmarshal(data), ErrMalformed)
}

func TestAckAndError(t *testing.T) {
	data, err := NewAckPacket(4, 300).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 4, 1, 44}, data)

	data, err = NewErrorPacket(ErrCodeFileNotFound).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 1}, data)

	p := &Packet{}
	require.NoError(t, p.Unmarshal(data))
	assert.Equal(t, ErrCodeFileNotFound, p.Code)
	assert.Equal(t, "ERROR code=1 (file not found)", p.String())
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	p := &Packet{}
	for _, data := range [][]byte{
		nil,
		{9},
		{byte(PacketData), 1},
		{byte(PacketAck), 1, 2},
		{byte(PacketError)},
		{byte(PacketRetransmit), 1, 0},
	} {
		assert.ErrorIs(t, p.Unmarshal(data), ErrMalformed, "datagram %v", data)
	}
}

func TestMarshalShortBuffer(t *testing.T) {
	_, err := NewAckPacket(1, 1).Marshal(make([]byte, 2))
	assert.Error(t, err)
}

func TestDirEntryEncoding(t *testing.T) {
	entries := []DirEntry{{File: 1, Size: 10}, {File: 0x0203, Size: 0x04050607}}
	data := EncodeDirEntries(entries)
	require.Len(t, data, 2*DirEntryLength)
	assert.Equal(t, []byte{0, 1, 0, 0, 0, 10, 2, 3, 4, 5, 6, 7}, data)
	assert.Equal(t, entries[1], DecodeDirEntry(data[DirEntryLength:]))
}

package dump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Clouded-Sabre/mtftp/lib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameLayout(t *testing.T) {
	mac := [6]byte{0x24, 0x0a, 0xc4, 0x00, 0x00, 0x01}
	frame := EncodeFrame(mac, 7, 0x01020304, []byte("abc"))

	require.Len(t, frame, frameHeaderLength+3+len(frameEnd))
	assert.Equal(t, []byte("DATAPAKT"), frame[:8])
	assert.Equal(t, mac[:], frame[8:14])
	assert.Equal(t, uint16(7), binary.LittleEndian.Uint16(frame[14:16]))
	assert.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(frame[16:20]))
	assert.Equal(t, []byte("abc"), frame[20:23])
	assert.Equal(t, []byte("ENDPAKT"), frame[23:])
}

func TestPeerMAC(t *testing.T) {
	assert.Equal(t, [6]byte{0x24, 0x0a, 0xc4, 0x00, 0x00, 0x01}, PeerMAC("24:0a:c4:00:00:01"))

	a := PeerMAC("192.168.4.2:7080")
	assert.Equal(t, a, PeerMAC("192.168.4.2:7080"))
	assert.NotEqual(t, a, PeerMAC("192.168.4.3:7080"))
	assert.Equal(t, byte(0x02), a[0]&0x03, "locally administered unicast")
}

func TestTeeStoreDumpsWrites(t *testing.T) {
	var out bytes.Buffer
	sink := NewSink(&out, nil)
	mem := lib.NewMemStore()
	store := NewTeeStore(mem, sink).ForPeer("24:0a:c4:00:00:01")

	f, err := store.Open(3, lib.OpenWrite)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("world"), 5)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, ok := mem.Bytes(3)
	require.True(t, ok)
	assert.Equal(t, "helloworld", string(data))

	mac := PeerMAC("24:0a:c4:00:00:01")
	want := append(EncodeFrame(mac, 3, 0, []byte("hello")), EncodeFrame(mac, 3, 5, []byte("world"))...)
	assert.Equal(t, want, out.Bytes())

	frames, n, failed := sink.Stats()
	assert.Equal(t, uint64(2), frames)
	assert.Equal(t, uint64(10), n)
	assert.Zero(t, failed)
}

func TestTeeStoreReadsAreNotDumped(t *testing.T) {
	var out bytes.Buffer
	mem := lib.NewMemStore()
	mem.Put(1, []byte("payload"))
	store := NewTeeStore(mem, NewSink(&out, nil))

	f, err := store.Open(1, lib.OpenRead)
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf))
	assert.Zero(t, out.Len())

	size, ok, err := store.Size(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(7), size)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("uart gone") }

func TestTeeStoreKeepsWritingWhenDumpFails(t *testing.T) {
	sink := NewSink(failingWriter{}, nil)
	mem := lib.NewMemStore()
	store := NewTeeStore(mem, sink)

	f, err := store.Open(2, lib.OpenWrite)
	require.NoError(t, err)
	n, err := f.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, _, failed := sink.Stats()
	assert.Equal(t, uint64(1), failed)
	assert.NoError(t, sink.Close())
}

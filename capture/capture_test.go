package capture

import (
	"bytes"
	"testing"
	"time"

	"github.com/Clouded-Sabre/mtftp/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshal(t *testing.T, p *lib.Packet) []byte {
	t.Helper()
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	datagrams := []struct {
		from, to lib.Addr
		data     []byte
	}{
		{"192.168.4.2:7081", "255.255.255.255:7080", marshal(t, lib.NewSyncPacket())},
		{"192.168.4.9:7080", "192.168.4.2:7081", marshal(t, lib.NewDataPacket(1, 2, []byte("block")))},
		{"02:00:00:00:00:02", "02:00:00:00:00:01", marshal(t, lib.NewReadRequest(1, 5, 480, 16, 240))},
		{"02:00:00:00:00:02", "02:00:00:00:00:01", []byte{0x09, 0x00}},
	}
	for i, d := range datagrams {
		require.NoError(t, w.WriteDatagram(ts.Add(time.Duration(i)*time.Millisecond), d.from, d.to, d.data))
	}
	assert.Equal(t, len(datagrams), w.Count())
	require.NoError(t, w.Close())

	var records []Record
	require.NoError(t, Read(&buf, func(r Record) error {
		records = append(records, r)
		return nil
	}))
	require.Len(t, records, len(datagrams))

	assert.Equal(t, "192.168.4.2:7081", records[0].Src)
	assert.Equal(t, "255.255.255.255:7080", records[0].Dst)
	require.NoError(t, records[0].Err)
	assert.Equal(t, lib.PacketSync, records[0].Packet.Type)
	assert.True(t, records[0].Timestamp.Equal(ts))

	require.NoError(t, records[1].Err)
	assert.Equal(t, lib.PacketData, records[1].Packet.Type)
	assert.Equal(t, uint16(2), records[1].Packet.Block)
	assert.Equal(t, "block", string(records[1].Packet.Payload))

	require.NoError(t, records[2].Err)
	assert.Equal(t, "169.254.0.2:7080", records[2].Src)
	assert.Equal(t, lib.FileID(5), records[2].Packet.File)
	assert.Equal(t, uint32(480), records[2].Packet.Offset)

	assert.ErrorIs(t, records[3].Err, lib.ErrMalformed)
	assert.Nil(t, records[3].Packet)
	assert.Equal(t, []byte{0x09, 0x00}, records[3].Raw)
}

func TestLayerDecodesOnRegisteredPort(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       []byte{0x02, 0, 0, 0, 0, 1},
		DstMAC:       []byte{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 1, Protocol: layers.IPProtocolUDP, SrcIP: []byte{10, 0, 0, 1}, DstIP: []byte{10, 0, 0, 2}}
	udp := &layers.UDP{SrcPort: NodePort, DstPort: CollectorPort}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	app := &MTFTP{Packet: *lib.NewRetransmitPacket(4, []uint16{3, 7})}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, app))

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	m, ok := pkt.Layer(LayerTypeMTFTP).(*MTFTP)
	require.True(t, ok, "layers: %v", pkt.Layers())
	assert.Equal(t, lib.PacketRetransmit, m.Packet.Type)
	assert.Equal(t, uint8(4), m.Packet.Tag)
	assert.Equal(t, []uint16{3, 7}, m.Packet.Blocks)
	assert.Equal(t, m, pkt.ApplicationLayer())
}

func TestEndpointOf(t *testing.T) {
	e := endpointOf("10.1.2.3:7081")
	assert.Equal(t, "10.1.2.3", e.ip.String())
	assert.Equal(t, uint16(7081), e.port)
	assert.Equal(t, "02:00:0a:01:02:03", e.mac.String())

	e = endpointOf(lib.MemBroadcast)
	assert.Equal(t, "255.255.255.255", e.ip.String())

	e = endpointOf("not an address")
	assert.Equal(t, "0.0.0.0", e.ip.String())
}

func TestTransportRecordsBothDirections(t *testing.T) {
	network := lib.NewMemNetwork()
	collector := network.Attach("02:00:00:00:00:02")
	node := network.Attach("02:00:00:00:00:01")
	defer collector.Close()
	defer node.Close()

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	tapped := NewTransport(collector, "02:00:00:00:00:02", w, nil)

	received := make(chan []byte, 1)
	tapped.SetHandlers(func(from lib.Addr, data []byte) { received <- data }, nil)
	heard := make(chan []byte, 1)
	node.SetHandlers(func(from lib.Addr, data []byte) { heard <- data }, nil)

	require.NoError(t, tapped.Send(lib.MemBroadcast, lib.SyncPattern[:]))
	select {
	case <-heard:
	case <-time.After(time.Second):
		t.Fatal("node did not hear the sync")
	}

	require.NoError(t, node.AddPeer("02:00:00:00:00:02"))
	require.NoError(t, node.Send("02:00:00:00:00:02", lib.SyncPattern[:]))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("collector did not receive the echo")
	}

	assert.ErrorIs(t, tapped.Send("02:00:00:00:00:09", lib.SyncPattern[:]), lib.ErrNotPeer)
	assert.Equal(t, 2, w.Count())
}

package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Clouded-Sabre/mtftp/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65536

// Writer stores datagrams as Ethernet/IPv4/UDP frames in a pcap stream.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	count  int
}

func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	cw := &Writer{w: pw}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}
	return cw, nil
}

// Create opens path for writing and returns a Writer on it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// WriteDatagram records data as sent from one address to another.
func (w *Writer) WriteDatagram(ts time.Time, from, to lib.Addr, data []byte) error {
	src, dst := endpointOf(from), endpointOf(to)
	eth := &layers.Ethernet{
		SrcMAC:       src.mac,
		DstMAC:       dst.mac,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      1,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.ip,
		DstIP:    dst.ip,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.port),
		DstPort: layers.UDPPort(dst.port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(data)); err != nil {
		return fmt.Errorf("serialize datagram: %w", err)
	}
	frame := buf.Bytes()

	w.mu.Lock()
	defer w.mu.Unlock()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)}
	if err := w.w.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	w.count++
	return nil
}

// Tap has the shape of lib.LinkFunc so a Writer can observe a MemNetwork.
func (w *Writer) Tap(from, to lib.Addr, data []byte) bool {
	w.WriteDatagram(time.Now(), from, to, data)
	return true
}

func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

type endpoint struct {
	mac  net.HardwareAddr
	ip   net.IP
	port uint16
}

// endpointOf maps a transport address to link and network addresses. UDP
// addresses keep their IP and port; MAC addresses keep their MAC and get a
// link-local IP on NodePort.
func endpointOf(addr lib.Addr) endpoint {
	if host, portStr, err := net.SplitHostPort(string(addr)); err == nil {
		if ip := net.ParseIP(host).To4(); ip != nil {
			port, _ := strconv.ParseUint(portStr, 10, 16)
			mac := net.HardwareAddr{0x02, 0x00, ip[0], ip[1], ip[2], ip[3]}
			if ip.Equal(net.IPv4bcast) {
				mac = layers.EthernetBroadcast
			}
			return endpoint{mac: mac, ip: ip, port: uint16(port)}
		}
	}
	if hw, err := net.ParseMAC(string(addr)); err == nil && len(hw) == 6 {
		ip := net.IPv4(169, 254, hw[4], hw[5]).To4()
		if hw.String() == layers.EthernetBroadcast.String() {
			ip = net.IPv4bcast.To4()
		}
		return endpoint{mac: hw, ip: ip, port: NodePort}
	}
	return endpoint{mac: make(net.HardwareAddr, 6), ip: net.IPv4zero.To4(), port: NodePort}
}

// Record is one MTFTP datagram read back from a capture.
type Record struct {
	Timestamp time.Time
	Src       string
	Dst       string
	Packet    *lib.Packet // nil when Err is set
	Raw       []byte
	Err       error
}

// Read decodes every UDP datagram of a pcap stream and passes it to fn.
// Frames without a UDP layer are skipped.
func Read(r io.Reader, fn func(Record) error) error {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("pcap reader: %w", err)
	}
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}
		rec, ok := decodeFrame(data, pr.LinkType())
		if !ok {
			continue
		}
		rec.Timestamp = ci.Timestamp
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func decodeFrame(data []byte, link layers.LinkType) (Record, bool) {
	pkt := gopacket.NewPacket(data, link, gopacket.Default)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return Record{}, false
	}
	udp := udpLayer.(*layers.UDP)
	rec := Record{
		Src: strconv.Itoa(int(udp.SrcPort)),
		Dst: strconv.Itoa(int(udp.DstPort)),
		Raw: udp.Payload,
	}
	if ipLayer := pkt.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		rec.Src = net.JoinHostPort(ip.SrcIP.String(), rec.Src)
		rec.Dst = net.JoinHostPort(ip.DstIP.String(), rec.Dst)
	}
	if m, ok := pkt.Layer(LayerTypeMTFTP).(*MTFTP); ok {
		rec.Packet = &m.Packet
		return rec, true
	}
	m := &MTFTP{}
	if err := m.DecodeFromBytes(udp.Payload, gopacket.NilDecodeFeedback); err != nil {
		rec.Err = err
		return rec, true
	}
	rec.Packet = &m.Packet
	return rec, true
}

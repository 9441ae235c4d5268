// Package capture records and decodes MTFTP traffic as pcap files.
package capture

import (
	"github.com/Clouded-Sabre/mtftp/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Default UDP ports of the node and the collector.
const (
	NodePort      = 7080
	CollectorPort = 7081
)

var LayerTypeMTFTP = gopacket.RegisterLayerType(2780, gopacket.LayerTypeMetadata{
	Name:    "MTFTP",
	Decoder: gopacket.DecodeFunc(decodeMTFTP),
})

func init() {
	RegisterPorts(NodePort, CollectorPort)
}

// RegisterPorts makes gopacket decode UDP datagrams on the given ports as MTFTP.
func RegisterPorts(ports ...uint16) {
	for _, port := range ports {
		layers.RegisterUDPPortLayerType(layers.UDPPort(port), LayerTypeMTFTP)
	}
}

// MTFTP is the gopacket layer of one MTFTP datagram.
type MTFTP struct {
	layers.BaseLayer
	Packet lib.Packet
}

func (m *MTFTP) LayerType() gopacket.LayerType { return LayerTypeMTFTP }

func (m *MTFTP) CanDecode() gopacket.LayerClass { return LayerTypeMTFTP }

func (m *MTFTP) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// Payload returns the file bytes of a DATA packet.
func (m *MTFTP) Payload() []byte { return m.Packet.Payload }

func (m *MTFTP) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := m.Packet.Unmarshal(data); err != nil {
		df.SetTruncated()
		return err
	}
	m.BaseLayer = layers.BaseLayer{Contents: data[:m.Packet.Len()-len(m.Packet.Payload)], Payload: m.Packet.Payload}
	return nil
}

func (m *MTFTP) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(m.Packet.Len())
	if err != nil {
		return err
	}
	_, err = m.Packet.Marshal(buf)
	return err
}

func decodeMTFTP(data []byte, p gopacket.PacketBuilder) error {
	m := &MTFTP{}
	if err := m.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(m)
	p.SetApplicationLayer(m)
	return nil
}

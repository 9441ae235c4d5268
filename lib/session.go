package lib

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is the single conversation with the current peer.
type Session struct {
	ID           uuid.UUID
	Peer         Addr
	Started      time.Time
	LastActivity time.Time
}

func newSession(peer Addr, now time.Time) *Session {
	return &Session{
		ID:           uuid.New(),
		Peer:         peer,
		Started:      now,
		LastActivity: now,
	}
}

func (s *Session) idle(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// Metrics is a snapshot of an engine's counters.
type Metrics struct {
	PacketsReceived    uint64
	PacketsSent        uint64
	PacketsDropped     uint64 // inbound or outbound queue overrun, or simulated loss
	SendFailures       uint64
	ForeignPackets     uint64 // datagrams from an address other than the peer
	MalformedPackets   uint64
	DuplicateBlocks    uint64
	BytesReceived      uint64 // in order payload bytes accepted by the collector
	BytesSent          uint64 // payload bytes of first transmissions by the node
	RetransmitRequests uint64 // RETRANSMIT packets sent by the collector
	BlocksResent       uint64 // DATA blocks resent by the node
	FilesCompleted     uint64
	Sessions           uint64
	Timeouts           uint64
	StorageErrors      uint64
}

type metrics struct {
	packetsReceived    atomic.Uint64
	packetsSent        atomic.Uint64
	packetsDropped     atomic.Uint64
	sendFailures       atomic.Uint64
	foreignPackets     atomic.Uint64
	malformedPackets   atomic.Uint64
	duplicateBlocks    atomic.Uint64
	bytesReceived      atomic.Uint64
	bytesSent          atomic.Uint64
	retransmitRequests atomic.Uint64
	blocksResent       atomic.Uint64
	filesCompleted     atomic.Uint64
	sessions           atomic.Uint64
	timeouts           atomic.Uint64
	storageErrors      atomic.Uint64
}

func (m *metrics) snapshot() Metrics {
	return Metrics{
		PacketsReceived:    m.packetsReceived.Load(),
		PacketsSent:        m.packetsSent.Load(),
		PacketsDropped:     m.packetsDropped.Load(),
		SendFailures:       m.sendFailures.Load(),
		ForeignPackets:     m.foreignPackets.Load(),
		MalformedPackets:   m.malformedPackets.Load(),
		DuplicateBlocks:    m.duplicateBlocks.Load(),
		BytesReceived:      m.bytesReceived.Load(),
		BytesSent:          m.bytesSent.Load(),
		RetransmitRequests: m.retransmitRequests.Load(),
		BlocksResent:       m.blocksResent.Load(),
		FilesCompleted:     m.filesCompleted.Load(),
		Sessions:           m.sessions.Load(),
		Timeouts:           m.timeouts.Load(),
		StorageErrors:      m.storageErrors.Load(),
	}
}

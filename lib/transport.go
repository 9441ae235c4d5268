package lib

import (
	"sync"

	"github.com/Clouded-Sabre/mtftp/filter"
)

// Addr is a link layer address as the transport renders it.
type Addr string

// Transport is the unreliable datagram link. Send hands data to the link and
// returns at once; when Send succeeds the onSent handler fires exactly once for
// that datagram. onRecv must not block.
type Transport interface {
	Send(to Addr, data []byte) error
	SetHandlers(onRecv func(from Addr, data []byte), onSent func(to Addr, err error))
	AddPeer(addr Addr) error
	RemovePeer(addr Addr) error
	Broadcast() Addr
	Close() error
}

// MemBroadcast is the broadcast address of a MemNetwork.
const MemBroadcast Addr = "ff:ff:ff:ff:ff:ff"

// LinkFunc inspects one datagram on its way from one node to another.
type LinkFunc func(from, to Addr, data []byte) bool

type memDatagram struct {
	from Addr
	data []byte
}

type linkKey struct {
	from, to Addr
}

// MemNetwork connects MemTransports in process. Drop, Duplicate and Reorder
// hooks let tests shape the link.
type MemNetwork struct {
	mu        sync.Mutex
	nodes     map[Addr]*MemTransport
	drop      LinkFunc
	duplicate LinkFunc
	reorder   LinkFunc
	held      map[linkKey][]byte
	taps      []LinkFunc
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes: make(map[Addr]*MemTransport),
		held:  make(map[linkKey][]byte),
	}
}

// SetDrop loses every datagram for which f returns true.
func (n *MemNetwork) SetDrop(f LinkFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// SetDuplicate delivers every datagram for which f returns true twice.
func (n *MemNetwork) SetDuplicate(f LinkFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.duplicate = f
}

// SetReorder holds every datagram for which f returns true until the next one on the same link has been delivered.
func (n *MemNetwork) SetReorder(f LinkFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reorder = f
}

// Tap observes every delivered datagram. The return value is ignored.
func (n *MemNetwork) Tap(f LinkFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taps = append(n.taps, f)
}

// Attach creates a transport for addr on this network.
func (n *MemNetwork) Attach(addr Addr) *MemTransport {
	t := &MemTransport{
		network:     n,
		addr:        addr,
		peers:       filter.NewFilter("mem "+string(addr), string(MemBroadcast), 20),
		inbox:       make(chan memDatagram, 1024),
		closeSignal: make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[addr] = t
	n.mu.Unlock()

	t.wg.Add(1)
	go t.handleIncomingPackets()
	return t
}

func (n *MemNetwork) detach(addr Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

func (n *MemNetwork) route(from, to Addr, data []byte) {
	type delivery struct {
		dst  *MemTransport
		data []byte
	}
	var out []delivery

	n.mu.Lock()
	var dsts []*MemTransport
	if to == MemBroadcast {
		for addr, node := range n.nodes {
			if addr != from {
				dsts = append(dsts, node)
			}
		}
	} else if node, ok := n.nodes[to]; ok {
		dsts = append(dsts, node)
	}
	for _, dst := range dsts {
		if n.drop != nil && n.drop(from, dst.addr, data) {
			continue
		}
		key := linkKey{from, dst.addr}
		if n.reorder != nil && n.held[key] == nil && n.reorder(from, dst.addr, data) {
			n.held[key] = data
			continue
		}
		out = append(out, delivery{dst, data})
		if n.duplicate != nil && n.duplicate(from, dst.addr, data) {
			out = append(out, delivery{dst, data})
		}
		if held, ok := n.held[key]; ok {
			delete(n.held, key)
			out = append(out, delivery{dst, held})
		}
	}
	taps := n.taps
	n.mu.Unlock()

	for _, d := range out {
		for _, tap := range taps {
			tap(from, d.dst.addr, d.data)
		}
		d.dst.deliver(from, d.data)
	}
}

// MemTransport is one node of a MemNetwork.
type MemTransport struct {
	network     *MemNetwork
	addr        Addr
	peers       filter.Filter
	inbox       chan memDatagram
	mu          sync.RWMutex
	onRecv      func(Addr, []byte)
	onSent      func(Addr, error)
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func (t *MemTransport) Addr() Addr {
	return t.addr
}

func (t *MemTransport) SetHandlers(onRecv func(Addr, []byte), onSent func(Addr, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecv, t.onSent = onRecv, onSent
}

func (t *MemTransport) Send(to Addr, data []byte) error {
	select {
	case <-t.closeSignal:
		return ErrClosed
	default:
	}
	if !t.peers.Allowed(string(to)) {
		return ErrNotPeer
	}
	t.network.route(t.addr, to, append([]byte(nil), data...))

	t.mu.RLock()
	onSent := t.onSent
	t.mu.RUnlock()
	if onSent != nil {
		onSent(to, nil)
	}
	return nil
}

func (t *MemTransport) AddPeer(addr Addr) error {
	return t.peers.AddPeer(string(addr))
}

func (t *MemTransport) RemovePeer(addr Addr) error {
	return t.peers.RemovePeer(string(addr))
}

func (t *MemTransport) Broadcast() Addr {
	return MemBroadcast
}

// Peers lists the registered unicast destinations.
func (t *MemTransport) Peers() []string {
	return t.peers.Peers()
}

func (t *MemTransport) Close() error {
	t.closeOnce.Do(func() {
		t.network.detach(t.addr)
		close(t.closeSignal)
		t.wg.Wait()
		t.peers.FinishFiltering()
	})
	return nil
}

func (t *MemTransport) deliver(from Addr, data []byte) {
	select {
	case t.inbox <- memDatagram{from: from, data: data}:
	default:
		// receiver overrun: the radio would lose it too
	}
}

func (t *MemTransport) handleIncomingPackets() {
	defer t.wg.Done()
	for {
		select {
		case <-t.closeSignal:
			return
		case d := <-t.inbox:
			t.mu.RLock()
			onRecv := t.onRecv
			t.mu.RUnlock()
			if onRecv != nil {
				onRecv(d.from, d.data)
			}
		}
	}
}

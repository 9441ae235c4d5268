package lib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/Clouded-Sabre/mtftp/filter"
	"golang.org/x/net/ipv4"
)

// UDPConfig describes the UDP rendition of the radio link used off-target.
type UDPConfig struct {
	Listen    string // local address, e.g. "0.0.0.0:7080"
	Broadcast string // destination of SYNC broadcasts
	TTL       int    // unicast TTL; 1 keeps datagrams on the local segment
	MaxPeers  int    // peer table size, 0 for unlimited
}

func DefaultUDPConfig() *UDPConfig {
	return &UDPConfig{
		Listen:    "0.0.0.0:7080",
		Broadcast: "255.255.255.255:7080",
		TTL:       1,
		MaxPeers:  20,
	}
}

// UDPTransport carries MTFTP datagrams over UDP/IPv4.
type UDPTransport struct {
	conn        *net.UDPConn
	pconn       *ipv4.PacketConn
	broadcast   Addr
	peers       filter.Filter
	addrs       sync.Map // Addr -> *net.UDPAddr
	mu          sync.RWMutex
	onRecv      func(Addr, []byte)
	onSent      func(Addr, error)
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	log         *slog.Logger
}

func NewUDPTransport(cfg *UDPConfig, log *slog.Logger) (*UDPTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	bcast, err := net.ResolveUDPAddr("udp4", cfg.Broadcast)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address %q: %w", cfg.Broadcast, err)
	}

	lc := net.ListenConfig{Control: controlSocket}
	pc, err := lc.ListenPacket(context.Background(), "udp4", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	conn := pc.(*net.UDPConn)

	pconn := ipv4.NewPacketConn(conn)
	if cfg.TTL > 0 {
		if err := pconn.SetTTL(cfg.TTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set ttl: %w", err)
		}
	}
	if err := pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		log.Debug("udp transport: destination control messages unavailable", "err", err)
	}

	t := &UDPTransport{
		conn:        conn,
		pconn:       pconn,
		broadcast:   Addr(bcast.String()),
		peers:       filter.NewFilter("udp "+cfg.Listen, bcast.String(), cfg.MaxPeers),
		closeSignal: make(chan struct{}),
		log:         log,
	}
	t.addrs.Store(t.broadcast, bcast)

	t.wg.Add(1)
	go t.handleIncomingPackets()

	log.Info("udp transport listening", "addr", conn.LocalAddr().String(), "broadcast", t.broadcast)
	return t, nil
}

func (t *UDPTransport) LocalAddr() Addr {
	return Addr(t.conn.LocalAddr().String())
}

func (t *UDPTransport) SetHandlers(onRecv func(Addr, []byte), onSent func(Addr, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecv, t.onSent = onRecv, onSent
}

func (t *UDPTransport) Send(to Addr, data []byte) error {
	if !t.peers.Allowed(string(to)) {
		return ErrNotPeer
	}
	dst, err := t.resolve(to)
	if err != nil {
		return err
	}
	if _, err := t.pconn.WriteTo(data, nil, dst); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	t.mu.RLock()
	onSent := t.onSent
	t.mu.RUnlock()
	if onSent != nil {
		onSent(to, nil)
	}
	return nil
}

func (t *UDPTransport) AddPeer(addr Addr) error {
	if _, err := t.resolve(addr); err != nil {
		return err
	}
	return t.peers.AddPeer(string(addr))
}

func (t *UDPTransport) RemovePeer(addr Addr) error {
	if addr != t.broadcast {
		t.addrs.Delete(addr)
	}
	return t.peers.RemovePeer(string(addr))
}

func (t *UDPTransport) Broadcast() Addr {
	return t.broadcast
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeSignal)
		err = t.conn.Close()
		t.wg.Wait()
		t.peers.FinishFiltering()
	})
	return err
}

func (t *UDPTransport) resolve(addr Addr) (*net.UDPAddr, error) {
	if v, ok := t.addrs.Load(addr); ok {
		return v.(*net.UDPAddr), nil
	}
	ua, err := net.ResolveUDPAddr("udp4", string(addr))
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	t.addrs.Store(addr, ua)
	return ua, nil
}

func (t *UDPTransport) handleIncomingPackets() {
	defer t.wg.Done()
	buf := make([]byte, MaxDatagramLength+64)
	for {
		n, cm, src, err := t.pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closeSignal:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("udp transport read failed", "err", err)
			continue
		}
		if cm != nil && cm.Dst != nil && cm.Dst.Equal(net.IPv4bcast) {
			t.log.Debug("udp transport: broadcast datagram", "from", src.String(), "len", n)
		}
		t.mu.RLock()
		onRecv := t.onRecv
		t.mu.RUnlock()
		if onRecv != nil {
			onRecv(Addr(src.String()), append([]byte(nil), buf[:n]...))
		}
	}
}

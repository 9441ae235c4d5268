package filter

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Filter decides which link addresses a transport may unicast to. It stands in
// for the radio's peer table: a send to an address that was never added fails.
type Filter interface {
	AddPeer(addr string) error    // registers addr as a unicast destination.
	RemovePeer(addr string) error // forgets addr. Removing an unknown address is not an error.
	Allowed(addr string) bool     // reports whether addr is registered or is the broadcast address.
	Peers() []string              // lists registered addresses.
	FinishFiltering() error       // clears all peers.
}

type peerFilter struct {
	name      string
	broadcast string
	max       int
	peers     sync.Map // address -> struct{}
	mu        sync.Mutex
	count     int
}

// NewFilter creates a peer table holding at most max entries (0 means unlimited).
// broadcast is always allowed.
func NewFilter(identifier, broadcast string, max int) Filter {
	return &peerFilter{
		name:      identifier,
		broadcast: broadcast,
		max:       max,
	}
}

func (f *peerFilter) AddPeer(addr string) error {
	if addr == "" {
		return fmt.Errorf("%s: empty peer address", f.name)
	}
	if addr == f.broadcast {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.peers.Load(addr); exists {
		return nil
	}
	if f.max > 0 && f.count >= f.max {
		return fmt.Errorf("%s: peer table full (%d entries)", f.name, f.max)
	}
	f.peers.Store(addr, struct{}{})
	f.count++
	slog.Debug("peer added", "filter", f.name, "peer", addr)
	return nil
}

func (f *peerFilter) RemovePeer(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.peers.LoadAndDelete(addr); exists {
		f.count--
		slog.Debug("peer removed", "filter", f.name, "peer", addr)
	}
	return nil
}

func (f *peerFilter) Allowed(addr string) bool {
	if addr == f.broadcast {
		return true
	}
	_, ok := f.peers.Load(addr)
	return ok
}

func (f *peerFilter) Peers() []string {
	var peers []string
	f.peers.Range(func(k, _ any) bool {
		peers = append(peers, k.(string))
		return true
	})
	sort.Strings(peers)
	return peers
}

func (f *peerFilter) FinishFiltering() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers.Range(func(k, _ any) bool {
		f.peers.Delete(k)
		return true
	})
	f.count = 0
	return nil
}

// Package dht bridges announces to the BitTorrent DHT.  Routing is done by
// an Engine; the Bridge dispatches the peers it reports to the lookups that
// are waiting for them.
package dht

import (
	"context"
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jech/mtracker/hash"
	"github.com/jech/mtracker/peers"
)

// Handler is called by an engine for every peer it discovers.
type Handler func(h hash.Hash, addr netip.AddrPort)

// Engine is a running DHT node.
type Engine interface {
	// Announce looks up peers for h and announces this node as a peer
	// on port.  Peers are reported to the engine's Handler.  Announce
	// returns when the lookup is complete or ctx is done.
	Announce(ctx context.Context, h hash.Hash, port int) error
	// Nodes returns the addresses of the known good nodes.
	Nodes() []netip.AddrPort
	Close() error
}

type listener struct {
	mu   sync.Mutex
	seen peers.Set
	f    func(peers.Peer)
}

func (l *listener) deliver(p peers.Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen.Add(p) {
		l.f(p)
	}
}

// Bridge holds the active lookups, indexed by hex infohash.  The zero
// Bridge, or one without an engine, performs no lookups.
type Bridge struct {
	mu        sync.Mutex
	engine    Engine
	listeners map[string]map[*listener]struct{}
}

func NewBridge() *Bridge {
	return &Bridge{}
}

// Attach sets the engine used by future lookups.
func (b *Bridge) Attach(e Engine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.engine = e
}

func (b *Bridge) getEngine() Engine {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engine
}

// Enabled returns true if lookups are performed.
func (b *Bridge) Enabled() bool {
	return b.getEngine() != nil
}

// Deliver dispatches a peer discovered for h to every lookup for h.  It is
// the Handler passed to the engine.
func (b *Bridge) Deliver(h hash.Hash, addr netip.AddrPort) {
	if !addr.IsValid() || addr.Port() == 0 {
		return
	}
	key := h.String()
	b.mu.Lock()
	ls := make([]*listener, 0, len(b.listeners[key]))
	for l := range b.listeners[key] {
		ls = append(ls, l)
	}
	b.mu.Unlock()

	p := peers.FromAddrPort(addr)
	for _, l := range ls {
		l.deliver(p)
	}
}

func (b *Bridge) register(key string, l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[string]map[*listener]struct{})
	}
	if b.listeners[key] == nil {
		b.listeners[key] = make(map[*listener]struct{})
	}
	b.listeners[key][l] = struct{}{}
}

func (b *Bridge) unregister(key string, l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners[key], l)
	if len(b.listeners[key]) == 0 {
		delete(b.listeners, key)
	}
}

// Lookup searches the DHT for peers for h, announces this node on port,
// and calls onPeer once for every distinct peer.  It returns when ctx is
// done, which the caller must ensure happens.
func (b *Bridge) Lookup(ctx context.Context, h hash.Hash, port int,
	onPeer func(peers.Peer)) {
	engine := b.getEngine()
	if engine == nil {
		return
	}

	key := h.String()
	l := &listener{f: onPeer}
	b.register(key, l)
	defer b.unregister(key, l)

	log.Debugf("DHT: handling announce %v", key)
	err := engine.Announce(ctx, h, port)
	if err != nil && ctx.Err() == nil {
		log.Printf("DHT: couldn't announce %v: %v", key, err)
	}
	<-ctx.Done()
}

// Collect performs a Lookup and returns the peers found before ctx is done.
func (b *Bridge) Collect(ctx context.Context, h hash.Hash, port int) []peers.Peer {
	var mu sync.Mutex
	var set peers.Set
	b.Lookup(ctx, h, port, func(p peers.Peer) {
		mu.Lock()
		set.Add(p)
		mu.Unlock()
	})
	mu.Lock()
	defer mu.Unlock()
	return set.Peers()
}

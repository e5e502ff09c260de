// Package peers implements the peer values exchanged with trackers and the
// DHT, together with their compact encoding.
package peers

import (
	"net"
	"net/netip"
	"strconv"
)

// Peer represents a peer returned by a tracker or the DHT.  IP is kept as
// a string since trackers occasionally return hostnames.
type Peer struct {
	IP   string
	Port int
	ID   string
}

// FromAddrPort converts a socket address into a Peer.
func FromAddrPort(a netip.AddrPort) Peer {
	return Peer{IP: a.Addr().Unmap().String(), Port: int(a.Port())}
}

// Addr returns the peer's address, if the IP field is a literal address.
func (p Peer) Addr() (netip.Addr, bool) {
	a, err := netip.ParseAddr(p.IP)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

// Key returns the ip:port string used to deduplicate peers.
func (p Peer) Key() string {
	ip := p.IP
	if a, ok := p.Addr(); ok {
		ip = a.String()
	}
	return net.JoinHostPort(ip, strconv.Itoa(p.Port))
}

// Set is a set of peers deduplicated by Key.  It preserves insertion order.
// A Set is not safe for concurrent use.
type Set struct {
	index map[string]int
	peers []Peer
}

// Add inserts p unless a peer with the same address is already present.
// It returns true if p was inserted.
func (s *Set) Add(p Peer) bool {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	k := p.Key()
	if i, ok := s.index[k]; ok {
		if s.peers[i].ID == "" && p.ID != "" {
			s.peers[i].ID = p.ID
		}
		return false
	}
	s.index[k] = len(s.peers)
	s.peers = append(s.peers, p)
	return true
}

// AddAll inserts every peer of l.
func (s *Set) AddAll(l []Peer) {
	for _, p := range l {
		s.Add(p)
	}
}

// Len returns the number of distinct peers.
func (s *Set) Len() int {
	return len(s.peers)
}

// Peers returns the peers in insertion order.
func (s *Set) Peers() []Peer {
	l := make([]Peer, len(s.peers))
	copy(l, s.peers)
	return l
}

// ParseCompact parses a list of peers in compact format.
func ParseCompact(data []byte, ipv6 bool) []Peer {
	l := 4
	if ipv6 {
		l = 16
	}

	if len(data)%(l+2) != 0 {
		return nil
	}
	n := len(data) / (l + 2)

	var peers = make([]Peer, 0, n)
	for i := 0; i < n; i++ {
		j := i * (l + 2)
		ip, _ := netip.AddrFromSlice(data[j : j+l])
		port := 256*int(data[j+l]) + int(data[j+l+1])
		peers = append(peers, Peer{IP: ip.Unmap().String(), Port: port})
	}
	return peers
}

// FormatCompact formats a list of peers in compact format.  Peers whose IP
// is not a literal address are skipped.
func FormatCompact(peers []Peer) (ipv4 []byte, ipv6 []byte) {
	for _, peer := range peers {
		a, ok := peer.Addr()
		if !ok || peer.Port <= 0 || peer.Port > 0xFFFF {
			continue
		}
		if a.Is4() {
			v4 := a.As4()
			ipv4 = append(ipv4, v4[:]...)
			ipv4 = append(ipv4, byte(peer.Port>>8), byte(peer.Port&0xFF))
		} else {
			v6 := a.As16()
			ipv6 = append(ipv6, v6[:]...)
			ipv6 = append(ipv6, byte(peer.Port>>8), byte(peer.Port&0xFF))
		}
	}
	return
}

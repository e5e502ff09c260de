package dht

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	adht "github.com/anacrolix/dht/v2"
	log "github.com/sirupsen/logrus"

	"github.com/jech/mtracker/hash"
)

type anacrolix struct {
	server  *adht.Server
	handler Handler
}

// NewAnacrolix starts a DHT node on the given UDP port.  It bootstraps
// from nodes, then from the well-known bootstrap routers.
func NewAnacrolix(port int, nodes []netip.AddrPort, handler Handler) (Engine, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%v", port))
	if err != nil {
		return nil, err
	}

	cfg := adht.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.StartingNodes = func() ([]adht.Addr, error) {
		addrs := make([]adht.Addr, 0, len(nodes))
		for _, n := range nodes {
			addrs = append(addrs,
				adht.NewAddr(net.UDPAddrFromAddrPort(n)))
		}
		global, err := adht.GlobalBootstrapAddrs("udp4")
		if err != nil {
			if len(addrs) > 0 {
				return addrs, nil
			}
			return nil, err
		}
		return append(addrs, global...), nil
	}

	server, err := adht.NewServer(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	go func() {
		log.Printf("Bootstrapping DHT from %v nodes", len(nodes))
		stats, err := server.Bootstrap()
		if err != nil {
			log.Printf("Couldn't bootstrap DHT: %v", err)
			return
		}
		log.Printf("DHT bootstrapped (%+v)", stats)
	}()

	return &anacrolix{server: server, handler: handler}, nil
}

func (e *anacrolix) Announce(ctx context.Context, h hash.Hash, port int) error {
	a, err := e.server.AnnounceTraversal(h,
		adht.AnnouncePeer(adht.AnnouncePeerOpts{Port: port}))
	if err != nil {
		return err
	}
	defer a.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case pv, ok := <-a.Peers:
			if !ok {
				return nil
			}
			for _, p := range pv.Peers {
				ip, ok := netip.AddrFromSlice(p.IP)
				if !ok || p.Port <= 0 || p.Port > 0xFFFF {
					continue
				}
				e.handler(h,
					netip.AddrPortFrom(ip.Unmap(), uint16(p.Port)))
			}
		}
	}
}

func (e *anacrolix) Nodes() []netip.AddrPort {
	var addrs []netip.AddrPort
	for _, n := range e.server.Nodes() {
		ip, ok := netip.AddrFromSlice(n.Addr.IP)
		if !ok || n.Addr.Port <= 0 || n.Addr.Port > 0xFFFF {
			continue
		}
		addrs = append(addrs,
			netip.AddrPortFrom(ip.Unmap(), uint16(n.Addr.Port)))
	}
	return addrs
}

func (e *anacrolix) Close() error {
	e.server.Close()
	return nil
}

// Package gateway implements a UDP tracker that relays every announce
// it receives to the UDP trackers known to the reliability store.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jech/mtracker/reliability"
)

const (
	readBufferSize = 1 << 20
	sweepInterval  = 5 * time.Second
)

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type Config struct {
	// Addr is the address of the client-facing socket.
	Addr string
	// Rate is the number of client announces relayed per second.
	// Zero means no limit.
	Rate float64
	// Timeout is the lifetime of a pending exchange.
	Timeout  time.Duration
	Resolver Resolver
}

type Gateway struct {
	store    *reliability.Store
	listener *net.UDPConn
	client   *net.UDPConn
	pending  *exchanges
	limiter  *rate.Limiter
	resolver Resolver
	timeout  time.Duration

	// addresses that designate the listener itself
	self      netip.AddrPort
	local     []netip.Addr
	closeOnce sync.Once
}

// Listen opens the client-facing socket and the upstream-facing socket.
func Listen(store *reliability.Store, cfg Config) (*Gateway, error) {
	laddr, err := net.ResolveUDPAddr("udp4", cfg.Addr)
	if err != nil {
		return nil, err
	}
	listener, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, err
	}
	granted, err := setReadBuffer(listener, readBufferSize)
	if err != nil {
		log.Printf("Couldn't set receive buffer: %v", err)
	} else {
		log.Debugf("UDP receive buffer: %v bytes", granted)
	}

	client, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		listener.Close()
		return nil, err
	}

	limit := rate.Inf
	burst := 1
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
		burst = int(cfg.Rate)
		if burst < 1 {
			burst = 1
		}
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	g := &Gateway{
		store:    store,
		listener: listener,
		client:   client,
		pending:  newExchanges(),
		limiter:  rate.NewLimiter(limit, burst),
		resolver: resolver,
		timeout:  timeout,
	}
	self := listener.LocalAddr().(*net.UDPAddr).AddrPort()
	g.self = netip.AddrPortFrom(self.Addr().Unmap(), self.Port())
	if g.self.Addr().IsUnspecified() {
		g.local = localAddrs()
	}
	return g, nil
}

func localAddrs() []netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Printf("Couldn't enumerate local addresses: %v", err)
		return nil
	}
	var local []netip.Addr
	for _, a := range addrs {
		n, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(n.IP)
		if ok {
			local = append(local, ip.Unmap())
		}
	}
	return local
}

// Addr returns the address of the client-facing socket.
func (g *Gateway) Addr() netip.AddrPort {
	return g.self
}

// isSelf returns true if addr designates the listener.
func (g *Gateway) isSelf(addr netip.AddrPort) bool {
	if addr.Port() != g.self.Port() {
		return false
	}
	a := addr.Addr().Unmap()
	la := g.self.Addr().Unmap()
	if !la.IsUnspecified() {
		return a == la
	}
	if a.IsLoopback() || a.IsUnspecified() {
		return true
	}
	for _, l := range g.local {
		if a == l {
			return true
		}
	}
	return false
}

// Serve runs the gateway until ctx is cancelled, Close is called or a
// socket fails.
func (g *Gateway) Serve(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ectx := errgroup.WithContext(sctx)
	eg.Go(func() error {
		<-ectx.Done()
		g.Close()
		return nil
	})
	eg.Go(func() error {
		defer cancel()
		return g.serveClients(ectx)
	})
	eg.Go(func() error {
		defer cancel()
		return g.serveUpstream(ectx)
	})
	eg.Go(func() error {
		g.sweep(ectx)
		return nil
	})
	err := eg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close closes both sockets, which terminates Serve.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		err = g.listener.Close()
		err2 := g.client.Close()
		if err == nil {
			err = err2
		}
	})
	return err
}

func readError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (g *Gateway) serveClients(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		n, from, err := g.listener.ReadFromUDPAddrPort(buf)
		if err != nil {
			return readError(ctx, err)
		}
		g.handleClient(ctx, buf[:n], from)
	}
}

func (g *Gateway) handleClient(ctx context.Context, p []byte, from netip.AddrPort) {
	logger := log.WithField("client", from)
	switch {
	case len(p) == ConnectSize:
		var req ConnectRequest
		err := req.UnmarshalBinary(p)
		if err != nil {
			logger.Printf("Bad connect request: %v", err)
			return
		}
		reply, _ := ConnectResponse{
			TransactionID: req.TransactionID,
			ConnectionID:  uint64(time.Now().UnixMilli()),
		}.MarshalBinary()
		_, err = g.listener.WriteToUDPAddrPort(reply, from)
		if err != nil {
			logger.Printf("Couldn't send connect reply: %v", err)
		}
	case len(p) >= AnnounceRequestSize:
		var req AnnounceRequest
		err := req.UnmarshalBinary(p)
		if err != nil {
			logger.Printf("Unknown request: %v", err)
			return
		}
		if !g.limiter.Allow() {
			logger.Debugf("Announce rate exceeded, dropping")
			return
		}
		g.relay(ctx, req, from)
	default:
		logger.Printf("Unknown packet (%v bytes)", len(p))
	}
}

// relay starts one exchange per selected upstream tracker.
func (g *Gateway) relay(ctx context.Context, req AnnounceRequest, client netip.AddrPort) {
	id := uuid.NewString()
	endpoints := g.store.Select("udp")
	log.WithFields(log.Fields{
		"request": id,
		"client":  client,
	}).Debugf("Relaying announce for %v to %v trackers",
		req.InfoHash, len(endpoints))
	for _, endpoint := range endpoints {
		go g.connect(ctx, id, req, client, endpoint)
	}
}

func (g *Gateway) update(endpoint string, outcome reliability.Outcome) {
	err := g.store.Update(endpoint, outcome)
	if err != nil {
		log.WithField("tracker", endpoint).Errorf(
			"Couldn't record %v: %v", outcome, err,
		)
	}
}

func (g *Gateway) resolve(ctx context.Context, endpoint string) (netip.AddrPort, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, errors.New("bad port")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	addrs, err := g.resolver.LookupNetIP(ctx, "ip4", u.Hostname())
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, errors.New("no address")
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil
}

func (g *Gateway) connect(ctx context.Context, id string, req AnnounceRequest, client netip.AddrPort, endpoint string) {
	logger := log.WithFields(log.Fields{
		"request": id,
		"tracker": endpoint,
	})
	upstream, err := g.resolve(ctx, endpoint)
	if err != nil {
		logger.Debugf("Couldn't resolve: %v", err)
		g.update(endpoint, reliability.Failure)
		return
	}
	if g.isSelf(upstream) {
		logger.Debugf("Tracker is ourselves, skipping")
		g.update(endpoint, reliability.Failure)
		return
	}

	tid := g.pending.add(&exchange{
		id:       id,
		request:  req,
		client:   client,
		endpoint: endpoint,
		upstream: upstream,
		created:  time.Now(),
	})
	packet, _ := ConnectRequest{TransactionID: tid}.MarshalBinary()
	_, err = g.client.WriteToUDPAddrPort(packet, upstream)
	if err != nil {
		logger.Debugf("Couldn't send connect: %v", err)
		g.pending.remove(tid)
		g.update(endpoint, reliability.Failure)
	}
}

func (g *Gateway) serveUpstream(ctx context.Context) error {
	buf := make([]byte, 65536)
	for {
		n, from, err := g.client.ReadFromUDPAddrPort(buf)
		if err != nil {
			return readError(ctx, err)
		}
		g.handleUpstream(buf[:n], from)
	}
}

func (g *Gateway) handleUpstream(p []byte, from netip.AddrPort) {
	action, tid, err := ParseHeader(p)
	if err != nil {
		log.WithField("upstream", from).Debugf("Bad reply: %v", err)
		return
	}
	switch action {
	case ActionConnect:
		g.handleConnect(p, tid, from)
	case ActionAnnounce:
		g.handleAnnounce(p, tid, from)
	case ActionError:
		g.handleError(p, tid, from)
	default:
		log.WithField("upstream", from).Printf("Unknown action %v", action)
	}
}

func (g *Gateway) handleConnect(p []byte, tid uint32, from netip.AddrPort) {
	var resp ConnectResponse
	err := resp.UnmarshalBinary(p)
	if err != nil {
		log.WithField("upstream", from).Debugf("Bad connect reply: %v", err)
		return
	}
	ntid, e, err := g.pending.rekey(tid, from)
	if err != nil {
		log.WithField("upstream", from).Debugf(
			"Couldn't match connect reply: %v", err,
		)
		return
	}
	req := e.request
	req.ConnectionID = resp.ConnectionID
	req.TransactionID = ntid
	packet, err := req.MarshalBinary()
	if err == nil {
		_, err = g.client.WriteToUDPAddrPort(packet, e.upstream)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"request": e.id,
			"tracker": e.endpoint,
		}).Debugf("Couldn't send announce: %v", err)
		g.pending.remove(ntid)
		g.update(e.endpoint, reliability.Failure)
	}
}

func (g *Gateway) handleAnnounce(p []byte, tid uint32, from netip.AddrPort) {
	e, err := g.pending.take(tid, from)
	if err != nil {
		return
	}
	logger := log.WithFields(log.Fields{
		"request": e.id,
		"tracker": e.endpoint,
	})
	var resp AnnounceResponse
	err = resp.UnmarshalBinary(p)
	if err != nil {
		logger.Printf("Bad announce reply: %v", err)
		g.update(e.endpoint, reliability.Failure)
		return
	}
	g.update(e.endpoint, reliability.Success)

	if resp.PeerCount() == 0 {
		logger.Debugf("No peers")
		return
	}
	logger.Debugf("Found %v peers", resp.PeerCount())
	resp.TransactionID = e.request.TransactionID
	packet, _ := resp.MarshalBinary()
	_, err = g.listener.WriteToUDPAddrPort(packet, e.client)
	if err != nil {
		logger.Printf("Couldn't forward reply: %v", err)
	}
}

func (g *Gateway) handleError(p []byte, tid uint32, from netip.AddrPort) {
	var resp ErrorResponse
	err := resp.UnmarshalBinary(p)
	if err != nil {
		return
	}
	e, err := g.pending.take(tid, from)
	if err != nil {
		log.WithField("upstream", from).Debugf(
			"Tracker error: %q", resp.Message,
		)
		return
	}
	log.WithFields(log.Fields{
		"request": e.id,
		"tracker": e.endpoint,
	}).Printf("Tracker error: %q", resp.Message)
	g.update(e.endpoint, reliability.Failure)
}

// sweep expires pending exchanges, counting them as failures.
func (g *Gateway) sweep(ctx context.Context) {
	interval := sweepInterval
	if g.timeout/2 < interval {
		interval = g.timeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.expire(time.Now().Add(-g.timeout))
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) expire(cutoff time.Time) int {
	expired := g.pending.expire(cutoff)
	for _, e := range expired {
		log.WithFields(log.Fields{
			"request": e.id,
			"tracker": e.endpoint,
		}).Debugf("Exchange timed out")
		g.update(e.endpoint, reliability.Failure)
	}
	return len(expired)
}

// Pending returns the number of exchanges in flight.
func (g *Gateway) Pending() int {
	return g.pending.count()
}

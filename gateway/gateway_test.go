package gateway

import (
	"bytes"
	"context"
	"encoding"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jech/mtracker/reliability"
)

func openStore(t *testing.T, endpoints ...string) *reliability.Store {
	t.Helper()
	s, err := reliability.Open(filepath.Join(t.TempDir(), "trackers.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, e := range endpoints {
		_, err := s.Add(e)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return s
}

func start(t *testing.T, store *reliability.Store, cfg Config) *Gateway {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	g, err := Listen(store, cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		err := <-done
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return g
}

// startUpstream runs a fake UDP tracker that replies to every packet with
// whatever handler returns.
func startUpstream(t *testing.T, handler func(p []byte) []byte) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			reply := handler(append([]byte(nil), buf[:n]...))
			if reply != nil {
				conn.WriteToUDPAddrPort(reply, from)
			}
		}
	}()
	a := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}

func endpoint(a netip.AddrPort) string {
	return fmt.Sprintf("udp://%v/announce", a)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %v", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func hasRecord(s *reliability.Store, e string, r reliability.Record) func() bool {
	return func() bool {
		got, _ := s.Get(e)
		return got == r
	}
}

func dial(t *testing.T, g *Gateway) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(g.Addr()))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func testAnnounce(tid uint32) AnnounceRequest {
	req := AnnounceRequest{
		ConnectionID:  1,
		TransactionID: tid,
		Left:          1000,
		NumWant:       -1,
		Port:          6881,
		Options:       []byte{2, 5, '/', 'a', 'n', 'n', 'o'},
	}
	req.InfoHash[0] = 0xab
	return req
}

func send(t *testing.T, conn *net.UDPConn, m encoding.BinaryMarshaler) {
	t.Helper()
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	_, err = conn.Write(b)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestConnect(t *testing.T) {
	g := start(t, openStore(t), Config{})
	conn := dial(t, g)
	send(t, conn, ConnectRequest{TransactionID: 0xcafe})

	buf := make([]byte, 100)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var resp ConnectResponse
	err = resp.UnmarshalBinary(buf[:n])
	if err != nil || n != ConnectSize {
		t.Fatalf("Got %v bytes, %v", n, err)
	}
	if resp.TransactionID != 0xcafe {
		t.Errorf("Got transaction id %x", resp.TransactionID)
	}
	if resp.ConnectionID == 0 {
		t.Errorf("Got zero connection id")
	}
}

func TestConnectBadProtocol(t *testing.T) {
	g := start(t, openStore(t), Config{})
	conn := dial(t, g)
	b, _ := ConnectRequest{TransactionID: 1}.MarshalBinary()
	b[7] = 0
	conn.Write(b)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := conn.Read(make([]byte, 100))
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Errorf("Got %v", err)
	}
}

func TestRelay(t *testing.T) {
	const connectionID = 0xdeadbeef
	var upstreamTid atomic.Uint32
	var options atomic.Value
	peers := []byte{1, 2, 3, 4, 0x1a, 0xe1, 5, 6, 7, 8, 0, 80}
	up := startUpstream(t, func(p []byte) []byte {
		if len(p) == ConnectSize {
			var req ConnectRequest
			if req.UnmarshalBinary(p) != nil {
				return nil
			}
			b, _ := ConnectResponse{
				TransactionID: req.TransactionID,
				ConnectionID:  connectionID,
			}.MarshalBinary()
			return b
		}
		var req AnnounceRequest
		err := req.UnmarshalBinary(p)
		if err != nil || req.ConnectionID != connectionID {
			return nil
		}
		upstreamTid.Store(req.TransactionID)
		options.Store(req.Options)
		b, _ := AnnounceResponse{
			TransactionID: req.TransactionID,
			Interval:      1800,
			Leechers:      1,
			Seeders:       2,
			Peers:         peers,
		}.MarshalBinary()
		return b
	})

	store := openStore(t, endpoint(up))
	g := start(t, store, Config{})
	conn := dial(t, g)
	send(t, conn, testAnnounce(0x12345678))

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var resp AnnounceResponse
	err = resp.UnmarshalBinary(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if resp.TransactionID != 0x12345678 {
		t.Errorf("Got transaction id %x", resp.TransactionID)
	}
	if upstreamTid.Load() == 0x12345678 {
		t.Errorf("Client transaction id was sent upstream")
	}
	if resp.Interval != 1800 || resp.Seeders != 2 || resp.Leechers != 1 {
		t.Errorf("Got %v", resp)
	}
	if !bytes.Equal(resp.Peers, peers) {
		t.Errorf("Got peers %v", resp.Peers)
	}
	o, _ := options.Load().([]byte)
	if !bytes.Equal(o, []byte{2, 5, '/', 'a', 'n', 'n', 'o'}) {
		t.Errorf("Got options %v", o)
	}

	r, _ := store.Get(endpoint(up))
	if r != (reliability.Record{Success: 2}) {
		t.Errorf("Got %v", r)
	}
	if g.Pending() != 0 {
		t.Errorf("Got %v pending", g.Pending())
	}
}

func TestRelayNoPeers(t *testing.T) {
	up := startUpstream(t, func(p []byte) []byte {
		if len(p) == ConnectSize {
			var req ConnectRequest
			req.UnmarshalBinary(p)
			b, _ := ConnectResponse{
				TransactionID: req.TransactionID, ConnectionID: 1,
			}.MarshalBinary()
			return b
		}
		var req AnnounceRequest
		req.UnmarshalBinary(p)
		b, _ := AnnounceResponse{
			TransactionID: req.TransactionID, Interval: 1800,
		}.MarshalBinary()
		return b
	})
	store := openStore(t, endpoint(up))
	g := start(t, store, Config{})
	conn := dial(t, g)
	send(t, conn, testAnnounce(1))

	waitFor(t, "success", hasRecord(store, endpoint(up),
		reliability.Record{Success: 2}))
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := conn.Read(make([]byte, 1024))
	if err == nil {
		t.Errorf("Empty reply was forwarded")
	}
}

func TestRelaySelf(t *testing.T) {
	store := openStore(t)
	g := start(t, store, Config{})
	self := endpoint(g.Addr())
	store.Add(self)

	conn := dial(t, g)
	send(t, conn, testAnnounce(1))
	waitFor(t, "failure", hasRecord(store, self,
		reliability.Record{Success: 1, Fail: 1}))
	if g.Pending() != 0 {
		t.Errorf("Got %v pending", g.Pending())
	}
}

func TestRelayError(t *testing.T) {
	up := startUpstream(t, func(p []byte) []byte {
		var req ConnectRequest
		if req.UnmarshalBinary(p) != nil {
			return nil
		}
		b, _ := ErrorResponse{
			TransactionID: req.TransactionID,
			Message:       "go away",
		}.MarshalBinary()
		return b
	})
	store := openStore(t, endpoint(up))
	g := start(t, store, Config{})
	conn := dial(t, g)
	send(t, conn, testAnnounce(1))
	waitFor(t, "failure", hasRecord(store, endpoint(up),
		reliability.Record{Success: 1, Fail: 1}))
	waitFor(t, "no pending", func() bool { return g.Pending() == 0 })
}

func TestRelayExpire(t *testing.T) {
	var connects atomic.Int32
	up := startUpstream(t, func(p []byte) []byte {
		connects.Add(1)
		return nil
	})
	store := openStore(t, endpoint(up))
	g := start(t, store, Config{Timeout: 200 * time.Millisecond})
	conn := dial(t, g)
	send(t, conn, testAnnounce(1))

	waitFor(t, "connect", func() bool { return connects.Load() == 1 })
	waitFor(t, "expiry", hasRecord(store, endpoint(up),
		reliability.Record{Success: 1, Fail: 1}))
	if g.Pending() != 0 {
		t.Errorf("Got %v pending", g.Pending())
	}
}

type failingResolver struct{}

func (failingResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestRelayUnresolvable(t *testing.T) {
	e := "udp://tracker.invalid:6969/announce"
	store := openStore(t, e)
	g := start(t, store, Config{Resolver: failingResolver{}})
	conn := dial(t, g)
	send(t, conn, testAnnounce(1))
	waitFor(t, "failure", hasRecord(store, e,
		reliability.Record{Success: 1, Fail: 1}))
}

func TestRelayRate(t *testing.T) {
	var connects atomic.Int32
	up := startUpstream(t, func(p []byte) []byte {
		connects.Add(1)
		return nil
	})
	store := openStore(t, endpoint(up))
	g := start(t, store, Config{Rate: 1})
	conn := dial(t, g)
	for i := 0; i < 5; i++ {
		send(t, conn, testAnnounce(uint32(i)))
	}
	waitFor(t, "connect", func() bool { return connects.Load() >= 1 })
	time.Sleep(200 * time.Millisecond)
	if c := connects.Load(); c != 1 {
		t.Errorf("Got %v connects", c)
	}
}

func TestIgnoreHTTP(t *testing.T) {
	var connects atomic.Int32
	up := startUpstream(t, func(p []byte) []byte {
		connects.Add(1)
		return nil
	})
	store := openStore(t, fmt.Sprintf("http://%v/announce", up))
	g := start(t, store, Config{})
	conn := dial(t, g)
	send(t, conn, testAnnounce(1))
	time.Sleep(200 * time.Millisecond)
	if connects.Load() != 0 || g.Pending() != 0 {
		t.Errorf("HTTP tracker was contacted")
	}
}

func TestUnexpectedReply(t *testing.T) {
	g := start(t, openStore(t), Config{})
	g.handleUpstream([]byte{0, 0, 0, 1, 0, 0, 0, 1},
		netip.MustParseAddrPort("127.0.0.1:1"))
	g.handleUpstream([]byte{0, 0},
		netip.MustParseAddrPort("127.0.0.1:1"))
	if g.Pending() != 0 {
		t.Errorf("Got %v pending", g.Pending())
	}
}

func TestIsSelf(t *testing.T) {
	g := &Gateway{
		self:  netip.MustParseAddrPort("0.0.0.0:6969"),
		local: []netip.Addr{netip.MustParseAddr("192.168.1.5")},
	}
	tests := []struct {
		addr string
		self bool
	}{
		{"127.0.0.1:6969", true},
		{"127.0.1.1:6969", true},
		{"192.168.1.5:6969", true},
		{"192.168.1.6:6969", false},
		{"127.0.0.1:6970", false},
		{"[::ffff:192.168.1.5]:6969", true},
	}
	for _, tt := range tests {
		got := g.isSelf(netip.MustParseAddrPort(tt.addr))
		if got != tt.self {
			t.Errorf("%v: got %v", tt.addr, got)
		}
	}

	g.self = netip.MustParseAddrPort("127.0.0.1:6969")
	if g.isSelf(netip.MustParseAddrPort("192.168.1.5:6969")) {
		t.Errorf("Bound listener matched other address")
	}
}

package rundht

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jech/mtracker/hash"
)

func addrs(n int) []netip.AddrPort {
	var l []netip.AddrPort
	for i := 0; i < n; i++ {
		l = append(l, netip.MustParseAddrPort(
			fmt.Sprintf("10.0.0.%v:%v", i+1, 6881+i)))
	}
	l = append(l, netip.MustParseAddrPort("[2001:db8::1]:6881"))
	return l
}

func TestRoundtrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "sub", "nodes.dat")
	a := addrs(10)
	err := Write(filename, a)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	b, err := Read(filename)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("Got %v, expected %v", b, a)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("Got %v, expected %v", b[i], a[i])
		}
	}
}

func TestWriteFew(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "nodes.dat")
	err := Write(filename, addrs(3))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, err = os.Stat(filename)
	if !os.IsNotExist(err) {
		t.Errorf("File written with few nodes")
	}
}

func TestReadSkipsBad(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "nodes.dat")
	data := "ld4:host7:1.2.3.44:porti6881eed4:host11:example.org4:porti1eed4:host7:5.6.7.84:porti0eee"
	os.WriteFile(filename, []byte(data), 0600)
	a, err := Read(filename)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(a) != 1 || a[0] != netip.MustParseAddrPort("1.2.3.4:6881") {
		t.Errorf("Got %v", a)
	}
}

type nodesEngine []netip.AddrPort

func (e nodesEngine) Announce(ctx context.Context, h hash.Hash, port int) error {
	return nil
}

func (e nodesEngine) Nodes() []netip.AddrPort {
	return e
}

func (e nodesEngine) Close() error {
	return nil
}

func TestFlush(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "nodes.dat")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Flush(ctx, nodesEngine(addrs(9)), filename, time.Hour)
		close(done)
	}()
	cancel()
	<-done
	a, err := Read(filename)
	if err != nil || len(a) != 10 {
		t.Errorf("Got %v %v", a, err)
	}
}

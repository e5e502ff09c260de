// Package rundht starts the DHT engine and keeps its node list on disk so
// that restarts don't need to bootstrap from scratch.
package rundht

import (
	"context"
	"errors"
	"flag"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/bencode"

	"github.com/jech/mtracker/config"
	"github.com/jech/mtracker/dht"
)

func init() {
	nodesFile := "dht-nodes.dat"
	configDir, err := os.UserConfigDir()
	if err == nil {
		nodesFile = filepath.Join(
			filepath.Join(configDir, "mtracker"),
			"dht-nodes.dat",
		)
	}

	flag.StringVar(&config.DHTNodesFile, "dht-nodes", nodesFile,
		"DHT node `file`")
}

type node struct {
	Host string `bencode:"host"`
	Port int    `bencode:"port"`
}

// Read returns the nodes stored in filename.  Entries that are not a
// literal address and a valid port are skipped.
func Read(filename string) ([]netip.AddrPort, error) {
	r, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var nodes []node
	decoder := bencode.NewDecoder(r)
	err = decoder.Decode(&nodes)
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.AddrPort, 0, len(nodes))
	for _, n := range nodes {
		ip, err := netip.ParseAddr(n.Host)
		if err != nil || n.Port <= 0 || n.Port > 0xFFFF {
			continue
		}
		addrs = append(addrs, netip.AddrPortFrom(ip, uint16(n.Port)))
	}
	return addrs, nil
}

// Write stores addrs in filename.  Nothing is written if there are fewer
// than 8 nodes, which happens while bootstrapping.
func Write(filename string, addrs []netip.AddrPort) error {
	if len(addrs) < 8 {
		return nil
	}
	nodes := make([]node, len(addrs))
	for i, a := range addrs {
		nodes[i] = node{Host: a.Addr().String(), Port: int(a.Port())}
	}

	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err != nil {
		return err
	}

	tmp := filename + ".tmp"
	w, err := os.Create(tmp)
	if err != nil {
		return err
	}

	encoder := bencode.NewEncoder(w)
	err = encoder.Encode(nodes)
	err2 := w.Close()
	if err == nil {
		err = err2
	}
	if err == nil {
		err = os.Rename(tmp, filename)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Run starts a DHT engine on port, bootstrapping from the nodes saved in
// filename, and reporting peers to handler.
func Run(port int, filename string, handler dht.Handler) (dht.Engine, error) {
	var nodes []netip.AddrPort
	if filename != "" {
		var err error
		nodes, err = Read(filename)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("Couldn't read %v: %v", filename, err)
		}
	}

	engine, err := dht.NewAnacrolix(port, nodes, handler)
	if err != nil {
		return nil, err
	}
	log.Printf("DHT: listening on port %v", port)
	return engine, nil
}

// Flush saves the engine's nodes to filename every interval, and once more
// when ctx is done.
func Flush(ctx context.Context, engine dht.Engine, filename string,
	interval time.Duration) {
	write := func() {
		err := Write(filename, engine.Nodes())
		if err != nil {
			log.Printf("Couldn't write %v: %v", filename, err)
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-ticker.C:
			write()
		}
	}
}

// Package portmap maps the UDP tracker port and the DHT port on the local
// NAT gateway.
package portmap

import (
	"context"
	"sync"

	"github.com/jech/portmap"
	log "github.com/sirupsen/logrus"
)

// report returns the status callback for one port.  Both protocols are
// mapped by the library; only UDP is of interest here.
func report(name string) func(string, portmap.Status, error) {
	return func(proto string, status portmap.Status, err error) {
		if proto != "udp" {
			return
		}
		logger := log.WithField("port", name)
		if err != nil {
			logger.Printf("Couldn't map %v: %v", proto, err)
		} else if status.Lifetime > 0 {
			logger.Printf("Mapped %v %v->%v, %v", proto,
				status.Internal, status.External, status.Lifetime)
		} else {
			logger.Printf("Unmapped %v %v", proto, status.Internal)
		}
	}
}

// Map maps udpPort and, if it is not zero, dhtPort, through NAT-PMP or
// UPnP until ctx is done.
func Map(ctx context.Context, udpPort, dhtPort int) {
	ports := []struct {
		name string
		port int
	}{{"tracker", udpPort}, {"dht", dhtPort}}

	var wg sync.WaitGroup
	for _, p := range ports {
		if p.port <= 0 || p.port > 0xFFFF {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := portmap.Map(ctx, "mtracker "+p.name,
				uint16(p.port), portmap.All, report(p.name))
			if err != nil {
				log.Printf("Couldn't map %v port: %v", p.name, err)
			}
		}()
	}
	wg.Wait()
}

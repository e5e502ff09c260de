package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jech/mtracker/config"
	"github.com/jech/mtracker/dht"
	"github.com/jech/mtracker/discover"
	"github.com/jech/mtracker/gateway"
	"github.com/jech/mtracker/httpclient"
	mhttp "github.com/jech/mtracker/http"
	"github.com/jech/mtracker/portmap"
	"github.com/jech/mtracker/reliability"
	"github.com/jech/mtracker/rundht"
	"github.com/jech/mtracker/stats"
	"github.com/jech/mtracker/tracker"
)

func main() {
	var proxyURL, cpuprofile string
	var doPortmap, doStats bool

	flag.StringVar(&config.HTTPAddr, "http", ":6969",
		"`address` of the HTTP tracker")
	flag.IntVar(&config.UDPPort, "udp-port", 6969,
		"`port` of the UDP tracker")
	flag.IntVar(&config.DHTPort, "dht-port", 20000,
		"`port` used for DHT traffic")
	flag.DurationVar(&config.HTTPTimeout, "http-timeout", 5*time.Second,
		"timeout for upstream HTTP announces and DHT lookups")
	flag.IntVar(&config.HTTPConcurrency, "http-concurrency", 0,
		"maximum `number` of concurrent upstream HTTP announces (0 = no limit)")
	flag.DurationVar(&config.UDPExchangeTimeout, "udp-timeout", 0,
		"lifetime of a relayed UDP announce (default 3 * http-timeout)")
	flag.Float64Var(&config.UDPAnnounceRate, "udp-rate", 50,
		"maximum `rate` of relayed UDP announces per second")
	flag.DurationVar(&config.DiscoverInterval, "discover-interval",
		6*time.Hour, "interval between fetches of tracker lists")
	flag.Var(&config.Lists, "tracker-list",
		"`URL` of a tracker list (may be repeated)")
	flag.BoolVar(&config.EnableHTTP, "enable-http", true,
		"serve the HTTP tracker")
	flag.BoolVar(&config.EnableUDP, "enable-udp", true,
		"serve the UDP tracker")
	flag.BoolVar(&config.EnableDHT, "enable-dht", true,
		"look up peers in the DHT")
	flag.StringVar(&config.TrackersFile, "trackers", "trackers.json",
		"`file` holding the known trackers")
	flag.DurationVar(&config.StoreFlushInterval, "store-flush",
		5*time.Second,
		"interval between writes of the tracker file (0 = every change)")
	flag.StringVar(&proxyURL, "proxy", "",
		"`URL` of proxy to use for upstream HTTP traffic")
	flag.BoolVar(&doPortmap, "portmap", true, "perform port mapping")
	flag.BoolVar(&config.Debug, "debug", false, "log debugging information")
	flag.BoolVar(&doStats, "stats", false,
		"print tracker statistics and exit")
	flag.StringVar(&cpuprofile, "cpuprofile", "",
		"store CPU profile in `file`")

	flag.Parse()

	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	err := config.SetDefaultProxy(proxyURL)
	if err != nil {
		log.Printf("SetDefaultProxy: %v", err)
		return
	}

	store, err := reliability.Open(config.TrackersFile)
	if err != nil {
		log.Fatalf("Couldn't open tracker file: %v", err)
	}

	if doStats {
		err := stats.Report(os.Stdout, store.Records())
		if err != nil {
			log.Fatalf("Report: %v", err)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "mtracker 0.1\n")

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Printf("Create(cpuprofile): %v", err)
			return
		}
		pprof.StartCPUProfile(f)
		defer func() {
			pprof.StopCPUProfile()
			f.Close()
		}()
	}

	client := httpclient.Get(config.DefaultProxy())
	if client == nil {
		log.Printf("Couldn't configure proxy %v", config.DefaultProxy())
		return
	}

	ctx, cancelCtx := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancelCtx()

	var wg sync.WaitGroup
	spawn := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	if config.StoreFlushInterval > 0 {
		spawn(func() {
			store.Run(ctx, config.StoreFlushInterval)
		})
	}

	bridge := dht.NewBridge()
	var engine dht.Engine
	if config.EnableDHT {
		engine, err = rundht.Run(config.DHTPort, config.DHTNodesFile,
			bridge.Deliver)
		if err != nil {
			log.Fatalf("DHT: %v", err)
		}
		bridge.Attach(engine)
		if config.DHTNodesFile != "" {
			spawn(func() {
				rundht.Flush(ctx, engine, config.DHTNodesFile,
					config.DHTFlushInterval)
			})
		}
	}

	spawn(func() {
		discover.Run(ctx, client, config.Lists.Get(), store,
			config.DiscoverInterval)
	})

	if config.EnableUDP {
		gw, err := gateway.Listen(store, gateway.Config{
			Addr:    fmt.Sprintf(":%v", config.UDPPort),
			Rate:    config.UDPAnnounceRate,
			Timeout: config.ExchangeTimeout(),
		})
		if err != nil {
			log.Fatalf("Couldn't listen on UDP port %v: %v",
				config.UDPPort, err)
		}
		log.Printf("UDP: tracker listening at udp://%v/announce",
			gw.Addr())
		spawn(func() {
			err := gw.Serve(ctx)
			if err != nil {
				log.Errorf("UDP: %v", err)
				cancelCtx()
			}
		})
	}

	if config.EnableHTTP {
		aggregator := &tracker.Aggregator{
			Store:       store,
			DHT:         bridge,
			Client:      client,
			Timeout:     config.HTTPTimeout,
			Concurrency: config.HTTPConcurrency,
		}
		listener, err := net.Listen("tcp", config.HTTPAddr)
		if err != nil {
			log.Fatalf("Couldn't listen on %v: %v",
				config.HTTPAddr, err)
		}
		server := &http.Server{
			Handler:           mhttp.NewHandler(ctx, aggregator),
			ReadHeaderTimeout: 10 * time.Second,
		}
		log.Printf("HTTP: tracker listening at http://%v/announce",
			listener.Addr())
		spawn(func() {
			err := server.Serve(listener)
			if !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("HTTP: %v", err)
				cancelCtx()
			}
		})
		spawn(func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(
				context.Background(), 2*time.Second,
			)
			defer cancel()
			server.Shutdown(sctx)
		})
	}

	if doPortmap {
		udpPort, dhtPort := 0, 0
		if config.EnableUDP {
			udpPort = config.UDPPort
		}
		if config.EnableDHT {
			dhtPort = config.DHTPort
		}
		spawn(func() {
			portmap.Map(ctx, udpPort, dhtPort)
		})
	}

	<-ctx.Done()
	log.Printf("Shutting down...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(4 * time.Second)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		log.Printf("Some tasks didn't terminate")
	}

	if engine != nil {
		engine.Close()
	}
}

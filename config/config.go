package config

import (
	"strings"
	"sync/atomic"
	"time"
)

var HTTPAddr string
var UDPPort int
var DHTPort int

var EnableHTTP, EnableUDP, EnableDHT bool

// HTTPTimeout bounds every upstream HTTP announce and the DHT collection
// that runs alongside it.
var HTTPTimeout time.Duration
var HTTPConcurrency int

// UDPExchangeTimeout is the age after which a pending UDP exchange is
// considered lost.  Zero means three times HTTPTimeout.
var UDPExchangeTimeout time.Duration

func ExchangeTimeout() time.Duration {
	if UDPExchangeTimeout > 0 {
		return UDPExchangeTimeout
	}
	return 3 * HTTPTimeout
}

// UDPAnnounceRate is the number of client announces relayed per second;
// each of them fans out to every selected UDP tracker.
var UDPAnnounceRate float64

var DiscoverInterval time.Duration

var TrackersFile string
var DHTNodesFile string
var StoreFlushInterval time.Duration

const (
	DHTFlushInterval = time.Minute
)

var DefaultTrackerLists = []string{
	"https://newtrackon.com/api/all",
	"https://raw.githubusercontent.com/ngosang/trackerslist/master/trackers_all.txt",
	"https://cf.trackerslist.com/all.txt",
	"https://trackers.run/s/rw_ws_up_hp_hs_v4_v6.txt",
	"https://torrends.to/torrent-tracker-list/?download=latest",
}

// TrackerLists implements flag.Value.  Setting it the first time replaces
// the defaults.
type TrackerLists struct {
	lists []string
	set   bool
}

func (l *TrackerLists) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(l.Get(), ",")
}

func (l *TrackerLists) Set(s string) error {
	if !l.set {
		l.lists = nil
		l.set = true
	}
	for _, u := range strings.Split(s, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			l.lists = append(l.lists, u)
		}
	}
	return nil
}

func (l *TrackerLists) Get() []string {
	if !l.set {
		return DefaultTrackerLists
	}
	return l.lists
}

var Lists TrackerLists

var defaultProxy atomic.Value

func SetDefaultProxy(s string) error {
	defaultProxy.Store(s)
	return nil
}

func DefaultProxy() string {
	s, _ := defaultProxy.Load().(string)
	return s
}

var Debug bool

package tracker

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jech/mtracker/dht"
	"github.com/jech/mtracker/hash"
	"github.com/jech/mtracker/peers"
	"github.com/jech/mtracker/reliability"
)

// Response is the merged reply returned to the client.
type Response struct {
	Complete    uint32
	Incomplete  uint32
	Interval    uint32
	MinInterval uint32
	Peers       []peers.Peer
}

// Placeholder is the reply sent when no upstream tracker answered.
func Placeholder() *Response {
	return &Response{
		Interval:    10,
		MinInterval: 10,
		Peers:       []peers.Peer{},
	}
}

// Aggregator forwards announces to the HTTP trackers in Store.
type Aggregator struct {
	Store  *reliability.Store
	DHT    *dht.Bridge
	Client *http.Client
	// Timeout bounds each upstream announce and the DHT lookup.
	Timeout time.Duration
	// Concurrency limits the number of simultaneous upstream
	// announces, zero means no limit.  Announces that have not started
	// within Timeout of the fan-out are dropped.
	Concurrency int
}

// AnnounceAll forwards an announce to the selected upstream trackers and
// to the DHT, waits for all of them, and merges the results.  Upstream
// failures are only counted against the upstream; if no upstream answered,
// a placeholder reply is returned.
func (a *Aggregator) AnnounceAll(ctx context.Context, query url.Values) (*Response, error) {
	ih, ok := hash.FromBytes([]byte(query.Get("info_hash")))
	if !ok || ih.IsZero() {
		return nil, ErrBadInfoHash
	}

	q := make(url.Values, len(query))
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	q.Set("compact", "0")
	forwarded := q.Encode()

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var dhtPeers []peers.Peer
	dhtDone := make(chan struct{})
	go func() {
		defer close(dhtDone)
		port, err := strconv.Atoi(q.Get("port"))
		if err != nil || port <= 0 || port > 0xFFFF || !a.DHT.Enabled() {
			return
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		dhtPeers = a.DHT.Collect(dctx, ih, port)
	}()

	endpoints := a.Store.Select("http")

	var mu sync.Mutex
	var replies []*Reply

	// no new upstream is contacted once the deadline has passed
	start, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var g errgroup.Group
	if a.Concurrency > 0 {
		g.SetLimit(a.Concurrency)
	}
	for _, endpoint := range endpoints {
		g.Go(func() error {
			if start.Err() != nil {
				return nil
			}
			reply := a.announce(ctx, endpoint, forwarded, timeout)
			if reply != nil {
				mu.Lock()
				replies = append(replies, reply)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	<-dhtDone

	log.Debugf("HTTP: %v of %v trackers answered for %v, %v DHT peers",
		len(replies), len(endpoints), ih, len(dhtPeers))
	return Merge(replies, dhtPeers), nil
}

func (a *Aggregator) announce(parent context.Context, endpoint string,
	query string, timeout time.Duration) *Reply {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}

	reply, err := announceHTTP(ctx, client, endpoint, query)
	if err != nil && parent.Err() != nil {
		// the client went away, this says nothing about the upstream
		return nil
	}
	outcome := reliability.Success
	if err != nil {
		outcome = reliability.Failure
		log.WithField("tracker", endpoint).Debugf("HTTP: %v", err)
	}
	err = a.Store.Update(endpoint, outcome)
	if err != nil {
		log.Errorf("HTTP: couldn't update tracker record: %v", err)
	}
	return reply
}

func clamp(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}

// Merge combines the replies of the upstream trackers with the peers
// found in the DHT.  Swarm sizes are the maximum over all replies,
// intervals the mean rounded up, and peers are deduplicated by address.
func Merge(replies []*Reply, dhtPeers []peers.Peer) *Response {
	if len(replies) == 0 {
		return Placeholder()
	}

	var set peers.Set
	var complete, incomplete, interval, minInterval int64
	for _, r := range replies {
		complete = max(complete, r.Complete)
		incomplete = max(incomplete, r.Incomplete)
		interval += min(r.Interval, int64(^uint32(0)))
		minInterval += min(r.MinInterval, int64(^uint32(0)))
		set.AddAll(r.Peers)
	}
	set.AddAll(dhtPeers)

	n := int64(len(replies))
	return &Response{
		Complete:    clamp(complete),
		Incomplete:  clamp(incomplete),
		Interval:    clamp((interval + n - 1) / n),
		MinInterval: clamp((minInterval + n - 1) / n),
		Peers:       set.Peers(),
	}
}

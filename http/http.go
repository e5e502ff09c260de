// Package http implements the tracker's HTTP announce endpoint.
package http

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/bencode"

	"github.com/jech/mtracker/peers"
	"github.com/jech/mtracker/tracker"
)

type handler struct {
	ctx        context.Context
	aggregator *tracker.Aggregator
}

func NewHandler(ctx context.Context, aggregator *tracker.Aggregator) http.Handler {
	return &handler{ctx, aggregator}
}

func (handler *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/announce" {
		http.NotFound(w, r)
		return
	}

	if r.Method != "HEAD" && r.Method != "GET" {
		w.Header().Set("allow", "HEAD, GET")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger := log.WithFields(log.Fields{
		"request": uuid.NewString(),
		"client":  r.RemoteAddr,
	})

	// abort the fan-out when either the client or the server goes away
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(handler.ctx, cancel)
	defer stop()

	query := r.URL.Query()
	logger.Debugf("HTTP: announce")
	resp, err := handler.aggregator.AnnounceAll(ctx, query)
	if err != nil {
		logger.Debugf("HTTP: %v", err)
		writeReply(w, failure{Reason: err.Error()})
		return
	}
	logger.Debugf("HTTP: returning %v peers", len(resp.Peers))
	writeReply(w, format(resp, query.Get("compact") == "1"))
}

func writeReply(w http.ResponseWriter, v interface{}) {
	b, err := bencode.EncodeBytes(v)
	if err != nil {
		log.Errorf("HTTP: couldn't encode reply: %v", err)
		http.Error(w, "Internal server error",
			http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "text/plain")
	w.Header().Set("cache-control", "no-cache")
	w.Write(b)
}

type failure struct {
	Reason string `bencode:"failure reason"`
}

type peerInfo struct {
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
	PeerID string `bencode:"peer id,omitempty"`
}

type reply struct {
	Complete    uint32      `bencode:"complete"`
	Incomplete  uint32      `bencode:"incomplete"`
	Interval    uint32      `bencode:"interval"`
	MinInterval uint32      `bencode:"min interval"`
	Peers       interface{} `bencode:"peers"`
	Peers6      string      `bencode:"peers6,omitempty"`
}

// format converts a merged response to its wire form.  In compact form,
// peers are BEP 23 strings and peer ids are dropped.
func format(resp *tracker.Response, compact bool) reply {
	r := reply{
		Complete:    resp.Complete,
		Incomplete:  resp.Incomplete,
		Interval:    resp.Interval,
		MinInterval: resp.MinInterval,
	}
	if compact {
		v4, v6 := peers.FormatCompact(resp.Peers)
		r.Peers = string(v4)
		r.Peers6 = string(v6)
		return r
	}
	l := make([]peerInfo, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		l = append(l, peerInfo{IP: p.IP, Port: p.Port, PeerID: p.ID})
	}
	r.Peers = l
	return r
}

package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zeebo/bencode"

	"github.com/jech/mtracker/peers"
)

const maxReplySize = 4 << 20

// Reply is a validated reply from an upstream HTTP tracker.
type Reply struct {
	Complete    int64
	Incomplete  int64
	Interval    int64
	MinInterval int64
	Peers       []peers.Peer
}

// announceURL appends the forwarded query to a tracker URL.
func announceURL(endpoint string, query string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + query
}

// announceHTTP performs a single announce to an upstream tracker.
func announceHTTP(ctx context.Context, client *http.Client,
	endpoint string, query string) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		announceURL(endpoint, query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "max-age=0")
	req.Header["User-Agent"] = nil

	r, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		return nil, errors.New(r.Status)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReplySize))
	if err != nil {
		return nil, err
	}

	return ParseReply(body)
}

// ParseReply decodes and validates a tracker reply.
func ParseReply(body []byte) (*Reply, error) {
	var v interface{}
	err := bencode.DecodeBytes(body, &v)
	if err != nil {
		if bytes.Contains(bytes.ToLower(body), []byte("<html")) {
			return nil, ErrHTML
		}
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return validate(v)
}

func integer(v interface{}) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint64:
		if v > 1<<62 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

func str(v interface{}) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v", ErrInvalid, fmt.Sprintf(format, args...))
}

func validate(v interface{}) (*Reply, error) {
	d, ok := v.(map[string]interface{})
	if !ok {
		return nil, invalid("not a dictionary")
	}

	if reason, ok := d["failure reason"]; ok {
		return nil, fmt.Errorf("%w: %v", ErrFailure, reason)
	}

	var reply Reply
	fields := []struct {
		name     string
		value    *int64
		positive bool
	}{
		{"complete", &reply.Complete, false},
		{"incomplete", &reply.Incomplete, false},
		{"interval", &reply.Interval, true},
		{"min interval", &reply.MinInterval, true},
	}
	for _, f := range fields {
		n, ok := integer(d[f.name])
		if !ok {
			return nil, invalid("missing or bad %v", f.name)
		}
		if n < 0 || (f.positive && n == 0) {
			return nil, invalid("%v out of range (%v)", f.name, n)
		}
		*f.value = n
	}

	if p, ok := str(d["peers"]); ok {
		// some trackers ignore compact=0
		reply.Peers = peers.ParseCompact([]byte(p), false)
		if reply.Peers == nil && len(p) > 0 {
			return nil, invalid("bad compact peers")
		}
		return &reply, nil
	}

	switch p := d["peers"].(type) {
	case []interface{}:
		reply.Peers = make([]peers.Peer, 0, len(p))
		for i, e := range p {
			peer, err := validatePeer(e)
			if err != nil {
				return nil, invalid("peer %v: %v", i, err)
			}
			reply.Peers = append(reply.Peers, peer)
		}
	default:
		return nil, invalid("missing or bad peers")
	}

	return &reply, nil
}

func validatePeer(v interface{}) (peers.Peer, error) {
	d, ok := v.(map[string]interface{})
	if !ok {
		return peers.Peer{}, errors.New("not a dictionary")
	}
	ip, ok := str(d["ip"])
	if !ok || ip == "" {
		return peers.Peer{}, errors.New("missing or bad ip")
	}
	port, ok := integer(d["port"])
	if !ok || port < 1 || port > 65535 {
		return peers.Peer{}, errors.New("missing or bad port")
	}
	id, _ := str(d["peer id"])
	return peers.Peer{IP: ip, Port: int(port), ID: id}, nil
}

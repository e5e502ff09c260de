package gateway

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"
)

var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrWrongSource        = errors.New("reply from unexpected address")
)

// exchange is a client announce being relayed to one upstream tracker.
type exchange struct {
	id       string
	request  AnnounceRequest
	client   netip.AddrPort
	endpoint string
	upstream netip.AddrPort
	created  time.Time
}

// exchanges is the table of in-flight exchanges, indexed by the
// transaction id used towards the upstream tracker.
type exchanges struct {
	mu sync.Mutex
	m  map[uint32]*exchange
}

func newExchanges() *exchanges {
	return &exchanges{m: make(map[uint32]*exchange)}
}

// fresh returns an unused transaction id.  Called with mu held.
func (x *exchanges) fresh() uint32 {
	for {
		tid := rand.Uint32()
		if _, ok := x.m[tid]; !ok {
			return tid
		}
	}
}

// add inserts e under a new transaction id, which it returns.
func (x *exchanges) add(e *exchange) uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	tid := x.fresh()
	x.m[tid] = e
	return tid
}

func (x *exchanges) lookup(tid uint32, from netip.AddrPort) (*exchange, error) {
	e, ok := x.m[tid]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	if e.upstream.Addr().Unmap() != from.Addr().Unmap() ||
		e.upstream.Port() != from.Port() {
		return nil, ErrWrongSource
	}
	return e, nil
}

// rekey moves the exchange for tid, which must come from the exchange's
// upstream, to a new transaction id.
func (x *exchanges) rekey(tid uint32, from netip.AddrPort) (uint32, *exchange, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, err := x.lookup(tid, from)
	if err != nil {
		return 0, nil, err
	}
	delete(x.m, tid)
	ntid := x.fresh()
	x.m[ntid] = e
	return ntid, e, nil
}

// take removes and returns the exchange for tid.
func (x *exchanges) take(tid uint32, from netip.AddrPort) (*exchange, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, err := x.lookup(tid, from)
	if err != nil {
		return nil, err
	}
	delete(x.m, tid)
	return e, nil
}

// remove drops the exchange for tid unconditionally.
func (x *exchanges) remove(tid uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.m, tid)
}

// expire removes and returns the exchanges created before cutoff.
func (x *exchanges) expire(cutoff time.Time) []*exchange {
	x.mu.Lock()
	defer x.mu.Unlock()
	var expired []*exchange
	for tid, e := range x.m {
		if e.created.Before(cutoff) {
			expired = append(expired, e)
			delete(x.m, tid)
		}
	}
	return expired
}

func (x *exchanges) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.m)
}

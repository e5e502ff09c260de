// Package reliability implements the persistent record of how often each
// upstream tracker answered, and the reliability-weighted selection of the
// trackers to query on each announce.
package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrUnknownTracker = errors.New("unknown tracker")

// Record is the announce history of a single tracker.
type Record struct {
	Success uint64 `json:"success"`
	Fail    uint64 `json:"fail"`
}

// Rate returns the fraction of successful announces.
func (r Record) Rate() float64 {
	total := r.Success + r.Fail
	if total == 0 {
		return 0
	}
	return float64(r.Success) / float64(total)
}

// Entry is a tracker together with its record.  It is serialised as a
// two-element JSON array.
type Entry struct {
	Endpoint string
	Record   Record
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Endpoint, e.Record})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	err := json.Unmarshal(data, &pair)
	if err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("expected a pair, got %v elements", len(pair))
	}
	err = json.Unmarshal(pair[0], &e.Endpoint)
	if err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.Record)
}

type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "fail"
	default:
		return fmt.Sprintf("unknown outcome %d", int(o))
	}
}

// Store maps tracker endpoints to their records.  Mutations are exclusive;
// Get and Select may run concurrently with each other.
type Store struct {
	filename string

	mu      sync.RWMutex
	records map[string]*Record
	order   []string

	// fileMu serialises writes to filename.
	fileMu  sync.Mutex
	batched atomic.Bool
	dirty   atomic.Bool

	random func() float64
}

// Open loads the store from filename, creating an empty store file if it
// doesn't exist yet.
func Open(filename string) (*Store, error) {
	s := &Store{
		filename: filename,
		records:  make(map[string]*Record),
		random:   rand.Float64,
	}

	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return s, s.Flush()
	} else if err != nil {
		return nil, err
	}

	var entries []Entry
	err = json.Unmarshal(data, &entries)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	for _, e := range entries {
		if _, ok := s.records[e.Endpoint]; ok {
			continue
		}
		r := e.Record
		if r.Success+r.Fail == 0 {
			log.WithField("tracker", e.Endpoint).
				Warn("Empty tracker record, resetting")
			r.Success = 1
		}
		s.records[e.Endpoint] = &r
		s.order = append(s.order, e.Endpoint)
	}
	return s, nil
}

// Len returns the number of known trackers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Get returns the record of a tracker.
func (s *Store) Get(endpoint string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[endpoint]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (s *Store) Has(endpoint string) bool {
	_, ok := s.Get(endpoint)
	return ok
}

// Add inserts a new tracker with an optimistic record of one success.  It
// returns false if the tracker was already known.
func (s *Store) Add(endpoint string) (bool, error) {
	s.mu.Lock()
	_, ok := s.records[endpoint]
	if !ok {
		s.records[endpoint] = &Record{Success: 1}
		s.order = append(s.order, endpoint)
	}
	s.mu.Unlock()
	if ok {
		return false, nil
	}
	return true, s.changed()
}

// Update records the outcome of an announce to a known tracker.
func (s *Store) Update(endpoint string, outcome Outcome) error {
	s.mu.Lock()
	r, ok := s.records[endpoint]
	if ok {
		switch outcome {
		case Success:
			r.Success++
		case Failure:
			r.Fail++
		default:
			s.mu.Unlock()
			return fmt.Errorf("%v: %v", endpoint, outcome)
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %v", ErrUnknownTracker, endpoint)
	}
	return s.changed()
}

// Scheme returns the lowercased URL scheme of endpoint.
func Scheme(endpoint string) string {
	i := strings.Index(endpoint, "://")
	if i < 0 {
		return ""
	}
	return strings.ToLower(endpoint[:i])
}

// Matches reports whether endpoint has the given scheme, as in Select.
func Matches(endpoint, scheme string) bool {
	if scheme == "" {
		return true
	}
	s := Scheme(endpoint)
	if scheme == "http" {
		return s == "http" || s == "https"
	}
	return s == scheme
}

// Select returns the trackers to query for one announce.  Each tracker
// whose scheme matches is drawn independently with a probability equal to
// its success rate, so that trackers that failed in the past still get
// queried from time to time.  The scheme "http" matches https too, and the
// empty scheme matches everything.
func (s *Store) Select(scheme string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var selected []string
	for _, endpoint := range s.order {
		if !Matches(endpoint, scheme) {
			continue
		}
		if s.random() < s.records[endpoint].Rate() {
			selected = append(selected, endpoint)
		}
	}
	return selected
}

// Records returns a snapshot of the store in insertion order.
func (s *Store) Records() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]Entry, len(s.order))
	for i, endpoint := range s.order {
		entries[i] = Entry{endpoint, *s.records[endpoint]}
	}
	return entries
}

func (s *Store) changed() error {
	if s.batched.Load() {
		s.dirty.Store(true)
		return nil
	}
	return s.Flush()
}

// Flush writes the whole store to its file.
func (s *Store) Flush() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.dirty.Store(false)
	data, err := json.MarshalIndent(s.Records(), "", "\t")
	if err != nil {
		s.dirty.Store(true)
		return err
	}

	err = writeFile(s.filename, data)
	if err != nil {
		s.dirty.Store(true)
	}
	return err
}

func writeFile(filename string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(filename),
		"."+filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	err2 := f.Close()
	if err == nil {
		err = err2
	}
	if err == nil {
		err = os.Rename(f.Name(), filename)
	}
	if err != nil {
		os.Remove(f.Name())
		return err
	}
	return nil
}

// Run switches the store to batched writes: mutations only mark the store
// dirty, and it is written out every interval and once more when ctx is
// done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	s.batched.Store(true)
	defer func() {
		s.batched.Store(false)
		err := s.Flush()
		if err != nil {
			log.Printf("Couldn't write %v: %v", s.filename, err)
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.dirty.Load() {
				err := s.Flush()
				if err != nil {
					log.Printf("Couldn't write %v: %v",
						s.filename, err)
				}
			}
		}
	}
}

// Package discover fetches public tracker lists and adds the trackers
// they name to the reliability store.
package discover

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jech/mtracker/reliability"
	"github.com/jech/mtracker/tracker"
)

// maxListSize bounds the size of a tracker list.
const maxListSize = 8 * 1024 * 1024

// maxLineSize bounds the length of a single entry.  Longer lines are
// rejected.
const maxLineSize = 4096

// ParseList parses a tracker list, one URL per line.  Lines that are not
// usable tracker URLs are logged and counted in rejected.
func ParseList(r io.Reader) (endpoints []string, rejected int) {
	reader := bufio.NewReaderSize(r, maxLineSize)
	tooLong := false
	for {
		data, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			if !tooLong {
				log.Debugf("Discover: rejected overlong line")
				rejected++
				tooLong = true
			}
			continue
		}
		if tooLong {
			// tail of an overlong line
			tooLong = false
		} else if line := strings.TrimSpace(string(data)); line != "" {
			_, perr := tracker.Parse(line)
			if perr != nil {
				log.Debugf("Discover: rejected %q: %v", line, perr)
				rejected++
			} else {
				endpoints = append(endpoints, line)
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("Discover: couldn't read list: %v", err)
			}
			break
		}
	}
	return
}

func fetch(ctx context.Context, client *http.Client, list string) ([]string, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", list, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("%v", resp.Status)
	}
	endpoints, rejected := ParseList(io.LimitReader(resp.Body, maxListSize))
	return endpoints, rejected, nil
}

// Discover fetches all lists concurrently and adds the trackers they
// contain to store.  It returns the number of new trackers.  A list that
// cannot be fetched is logged and skipped; the error is only returned if
// the store cannot be written.
func Discover(ctx context.Context, client *http.Client, lists []string, store *reliability.Store) (int, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var mu sync.Mutex
	added := 0

	var g errgroup.Group
	for _, list := range lists {
		g.Go(func() error {
			endpoints, rejected, err := fetch(ctx, client, list)
			if err != nil {
				log.WithField("list", list).Printf(
					"Discover: couldn't fetch list: %v", err,
				)
				return nil
			}
			if rejected > 0 {
				log.WithField("list", list).Printf(
					"Discover: rejected %v entries", rejected,
				)
			}
			n := 0
			for _, e := range endpoints {
				if store.Has(e) {
					continue
				}
				ok, err := store.Add(e)
				if err != nil {
					return err
				}
				if ok {
					n++
				}
			}
			mu.Lock()
			added += n
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	log.Printf("Discovered %v new trackers (%v known)", added, store.Len())
	return added, err
}

// Run calls Discover once, then every interval, until ctx is done.
func Run(ctx context.Context, client *http.Client, lists []string, store *reliability.Store, interval time.Duration) {
	for {
		_, err := Discover(ctx, client, lists, store)
		if err != nil {
			log.Errorf("Discover: %v", err)
		}
		if interval <= 0 {
			return
		}
		timer := time.NewTimer(roughly(interval))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// roughly returns d with up to 12.5% of jitter either way.
func roughly(d time.Duration) time.Duration {
	r := d / 4
	if r <= 0 {
		return d
	}
	m := time.Duration(rand.Int64N(int64(r)))
	return d + m - r/2
}

// Package stats prints a report of the reliability store.
package stats

import (
	"fmt"
	"io"
	"math"
	"slices"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/jech/mtracker/reliability"
)

// Untested returns true if a tracker has never been announced to.
func Untested(r reliability.Record) bool {
	return r.Success+r.Fail == 1
}

// Dead returns true if a tracker never answered since it was discovered.
func Dead(r reliability.Record) bool {
	return r.Success == 1 && r.Fail >= 1
}

// Tested returns the trackers that have been announced to at least once,
// most reliable first.
func Tested(entries []reliability.Entry) []reliability.Entry {
	var tested []reliability.Entry
	for _, e := range entries {
		if !Untested(e.Record) {
			tested = append(tested, e)
		}
	}
	slices.SortStableFunc(tested, func(a, b reliability.Entry) int {
		ra, rb := a.Record.Rate(), b.Record.Rate()
		if ra != rb {
			if ra > rb {
				return -1
			}
			return 1
		}
		da := int64(a.Record.Success) - int64(a.Record.Fail)
		db := int64(b.Record.Success) - int64(b.Record.Fail)
		if da != db {
			if da > db {
				return -1
			}
			return 1
		}
		return 0
	})
	return tested
}

type Summary struct {
	Known    int
	Untested int
	Dead     int
	// Hits is the expected number of tested trackers selected for
	// a single announce.
	Hits float64
}

// Summarize computes a summary of the trackers that match scheme, as
// understood by reliability.Select.
func Summarize(entries []reliability.Entry, scheme string) Summary {
	var s Summary
	for _, e := range entries {
		if !reliability.Matches(e.Endpoint, scheme) {
			continue
		}
		s.Known++
		if Untested(e.Record) {
			s.Untested++
			continue
		}
		if Dead(e.Record) {
			s.Dead++
		}
		s.Hits += e.Record.Rate()
	}
	s.Hits = math.Round(s.Hits*10) / 10
	return s
}

// Report writes a table of the tested trackers followed by a summary.
func Report(w io.Writer, entries []reliability.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "Tracker\tSuccess\tFail\tSuccess Rate\n")
	for _, e := range Tested(entries) {
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v%%\n",
			e.Endpoint,
			humanize.Comma(int64(e.Record.Success)),
			humanize.Comma(int64(e.Record.Fail)),
			humanize.FtoaWithDigits(100*e.Record.Rate(), 2),
		)
	}
	err := tw.Flush()
	if err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "\tKnown\tUntested\tDead\tAvg Tracker Hits\n")
	for _, p := range []struct {
		name, scheme string
	}{{"All", ""}, {"HTTP", "http"}, {"UDP", "udp"}} {
		s := Summarize(entries, p.scheme)
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n",
			p.name,
			humanize.Comma(int64(s.Known)),
			humanize.Comma(int64(s.Untested)),
			humanize.Comma(int64(s.Dead)),
			humanize.Ftoa(s.Hits),
		)
	}
	return tw.Flush()
}

package portmap

import (
	"errors"
	"testing"
	"time"

	"github.com/jech/portmap"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestReport(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	f := report("tracker")
	f("tcp", portmap.Status{
		Internal: 6969, External: 16969, Lifetime: time.Hour,
	}, nil)
	if len(hook.AllEntries()) != 0 {
		t.Errorf("Got %v", hook.AllEntries())
	}

	f("udp", portmap.Status{}, errors.New("no gateway"))
	f("udp", portmap.Status{
		Internal: 6969, External: 16969, Lifetime: time.Hour,
	}, nil)
	f("udp", portmap.Status{Internal: 6969}, nil)

	entries := hook.AllEntries()
	if len(entries) != 3 {
		t.Fatalf("Got %v entries", len(entries))
	}
	expected := []string{
		"Couldn't map udp: no gateway",
		"Mapped udp 6969->16969, 1h0m0s",
		"Unmapped udp 6969",
	}
	for i, e := range entries {
		if e.Message != expected[i] {
			t.Errorf("Got %q, expected %q", e.Message, expected[i])
		}
		if e.Data["port"] != "tracker" {
			t.Errorf("Got fields %v", e.Data)
		}
	}
}

// Package tracker implements the HTTP side of the gateway: it forwards an
// announce to every selected upstream HTTP tracker and merges the replies.
package tracker

import (
	"errors"
	"fmt"
	nurl "net/url"
	"strings"
)

var (
	ErrBadInfoHash = errors.New("bad info_hash")
	ErrParse       = errors.New("couldn't parse tracker reply")
	ErrHTML        = errors.New("tracker replied with HTML")
	ErrInvalid     = errors.New("invalid tracker reply")
	ErrFailure     = errors.New("tracker failure")
	ErrScheme      = errors.New("unknown tracker protocol")
)

type Kind int

const (
	Unknown Kind = iota
	HTTP
	UDP
)

func (kind Kind) String() string {
	switch kind {
	case Unknown:
		return "unknown"
	case HTTP:
		return "http"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("unknown kind %d", int(kind))
	}
}

// Parse checks that url is a usable tracker URL and returns its kind.
func Parse(url string) (Kind, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return Unknown, err
	}
	if u.Hostname() == "" {
		return Unknown, fmt.Errorf("%v: missing host", url)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return HTTP, nil
	case "udp":
		if u.Port() == "" {
			return Unknown, fmt.Errorf("%v: missing port", url)
		}
		return UDP, nil
	default:
		return Unknown, fmt.Errorf("%w %q", ErrScheme, u.Scheme)
	}
}

// Package httpclient maintains the HTTP clients used to talk to upstream
// trackers and to fetch tracker lists, one per proxy.
package httpclient

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

type client struct {
	client *http.Client
	time   time.Time
}

var mu sync.Mutex
var clients = make(map[string]client)

var runExpiry sync.Once

// Get returns an HTTP client that goes through the given proxy, or a direct
// client if proxy is empty.  Both HTTP and SOCKS5 proxies are supported.
// It returns nil if the proxy URL is invalid.
func Get(prox string) *http.Client {
	runExpiry.Do(func() {
		go expire()
	})

	mu.Lock()
	defer mu.Unlock()
	cl, ok := clients[prox]
	if ok {
		cl.time = time.Now()
		clients[prox] = cl
		return cl.client
	}

	transport, err := newTransport(prox)
	if err != nil {
		log.Printf("Couldn't configure proxy %v: %v", prox, err)
		return nil
	}
	cl = client{
		client: &http.Client{
			Transport: transport,
			Timeout:   50 * time.Second,
		},
		time: time.Now(),
	}
	clients[prox] = cl
	return cl.client
}

func newTransport(prox string) (*http.Transport, error) {
	direct := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           direct.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if prox == "" {
		return transport, nil
	}

	u, err := url.Parse(prox)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	default:
		dialer, err := proxy.FromURL(u, direct)
		if err != nil {
			return nil, err
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context,
				network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	}
	return transport, nil
}

func expire() {
	for {
		time.Sleep(time.Minute +
			time.Duration(rand.Int63n(int64(time.Minute))))
		now := time.Now()
		func() {
			mu.Lock()
			defer mu.Unlock()
			for k, cl := range clients {
				if now.Sub(cl.time) > 10*time.Minute {
					cl.client.CloseIdleConnections()
					delete(clients, k)
				}
			}
		}()
	}
}

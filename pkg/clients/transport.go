package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport caps per-host connections so a stalled downstream
// cannot pile up goroutines waiting on dials, while keeping a small pool
// of idle connections warm for reuse.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxConnsPerHost:     100,
		MaxIdleConnsPerHost: 10,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Package httpclient configures the HTTP client used to call upstream map services.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const userAgent = "ogc-tile-proxy"

// NewOutbound returns a client with pooled keep-alive connections. timeout <= 0 leaves the
// deadline to the request context.
func NewOutbound(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := &http.Client{Transport: uaTransport{next: transport}}
	if timeout > 0 {
		c.Timeout = timeout
	}
	return c
}

type uaTransport struct{ next http.RoundTripper }

func (t uaTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	r.Header.Set("User-Agent", userAgent)
	return t.next.RoundTrip(r)
}

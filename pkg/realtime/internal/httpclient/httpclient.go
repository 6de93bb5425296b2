// Package httpclient builds the HTTP client shared by the credential fetcher
// and the signaling client.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const defaultConnectTimeout = 5 * time.Second

// New configures transport-level timeouts only. The overall request
// lifetime is left to the caller's context: the session core imposes no
// deadline of its own on the credential or signaling exchange.
func New(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

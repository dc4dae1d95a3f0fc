// Package proxy forwards Messages API traffic upstream, teeing streamed
// responses into storage while bytes flow to the client.
package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/lumenlabs/claude-nexus/internal/config"
)

// newTransport builds the pooled upstream transport. One transport is shared
// by every proxied request.
func newTransport(cfg *config.Config) *http.Transport {
	return &http.Transport{
		MaxIdleConns:        cfg.ProxyMaxIdleConns,
		MaxIdleConnsPerHost: cfg.ProxyMaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.ProxyIdleConnTimeout,
		DisableKeepAlives:   false,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

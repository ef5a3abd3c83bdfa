package moltbook

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Transport defaults. A run issues a few hundred sequential requests to a single
// host, so a small pool is enough.
const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 20 * time.Second
	DefaultMaxIdleConns          = 10
	DefaultMaxIdleConnsPerHost   = 4
	DefaultIdleConnTimeout       = 60 * time.Second
)

// newTransport builds the HTTP/2-capable transport shared by all requests of a
// Client, wrapped with transparent response decompression.
func newTransport(logger *zap.Logger) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
	}

	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(16),
		},
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ForceAttemptHTTP2:     true,
		// Decoding is done by decompressingTransport so brotli is covered too.
		DisableCompression: true,
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1.", zap.Error(err))
	}

	return &decompressingTransport{next: transport}
}

package executor

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

// Transport tuning for long-lived streaming calls against the backend.
var transportConfig = struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	H2ReadIdleTimeout     time.Duration
	H2PingTimeout         time.Duration
}{
	MaxIdleConns:        256,
	MaxIdleConnsPerHost: 32,

	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	// Large conversations can take minutes before the first byte.
	ResponseHeaderTimeout: 600 * time.Second,
	DialTimeout:           30 * time.Second,
	KeepAlive:             30 * time.Second,

	// H2 pings detect dead connections faster than TCP keep-alive.
	H2ReadIdleTimeout: 30 * time.Second,
	H2PingTimeout:     15 * time.Second,
}

func configureHTTP2(transport *http.Transport) {
	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return
	}
	h2.ReadIdleTimeout = transportConfig.H2ReadIdleTimeout
	h2.PingTimeout = transportConfig.H2PingTimeout
	h2.StrictMaxConcurrentStreams = false
}

func newDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   transportConfig.DialTimeout,
		KeepAlive: transportConfig.KeepAlive,
	}
}

func baseTransport() *http.Transport {
	t := &http.Transport{
		MaxIdleConns:        transportConfig.MaxIdleConns,
		MaxIdleConnsPerHost: transportConfig.MaxIdleConnsPerHost,
		IdleConnTimeout:     transportConfig.IdleConnTimeout,

		TLSHandshakeTimeout:   transportConfig.TLSHandshakeTimeout,
		ExpectContinueTimeout: transportConfig.ExpectContinueTimeout,
		ResponseHeaderTimeout: transportConfig.ResponseHeaderTimeout,

		ForceAttemptHTTP2: true,
		// Compression is negotiated explicitly by the client so the
		// decoded stream stays under our control.
		DisableCompression: true,

		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},

		WriteBufferSize: 64 * 1024,
		ReadBufferSize:  64 * 1024,
	}
	configureHTTP2(t)
	return t
}

// SharedTransport is the process-wide transport for backend calls.
var SharedTransport = baseTransport()

func init() {
	SharedTransport.DialContext = newDialer().DialContext
}

// ProxyTransport builds a transport routed through an HTTP(S) proxy.
func ProxyTransport(proxyURL *url.URL) *http.Transport {
	t := baseTransport()
	t.Proxy = http.ProxyURL(proxyURL)
	t.DialContext = newDialer().DialContext
	return t
}

// CloseIdleConnections drops idle pooled connections.
func CloseIdleConnections() {
	SharedTransport.CloseIdleConnections()
}

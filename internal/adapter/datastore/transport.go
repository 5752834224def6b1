package datastore

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

const (
	defaultMaxIdleConns        = 10
	defaultMaxIdleConnsPerHost = 4
	defaultIdleConnTimeout     = 90 * time.Second
	defaultConnTimeout         = 10 * time.Second
	h2ReadIdleTimeout          = 30 * time.Second
)

// NewPooledTransport creates a pooled transport that negotiates HTTP/2 with
// TLS servers and health-checks idle HTTP/2 connections with pings.
func NewPooledTransport(pool PoolConfig, logger *slog.Logger) *http.Transport {
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultConnTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     idleTimeout,
	}

	h2, err := http2.ConfigureTransports(tr)
	if err != nil {
		logger.Warn("http2 unavailable, using HTTP/1.1", "error", err)
		return tr
	}
	h2.ReadIdleTimeout = h2ReadIdleTimeout
	return tr
}

// loggingTransport logs every request before it is sent and its outcome
// after the response arrives.
type loggingTransport struct {
	next   http.RoundTripper
	logger *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target := redactURL(req.URL)
	t.logger.Debug("datastore request", "method", req.Method, "url", target)

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		t.logger.Error("datastore request failed",
			"method", req.Method,
			"url", target,
			"duration", time.Since(start),
			"error", err,
		)
		return nil, err
	}
	t.logger.Debug("datastore response",
		"method", req.Method,
		"url", target,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return resp, nil
}

// redactURL drops userinfo so credentials embedded in the base URL never
// reach the logs.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	cp := *u
	cp.User = nil
	return cp.String()
}

// NewHTTPClient returns a client with the pooled transport and request logging.
func NewHTTPClient(timeout time.Duration, pool PoolConfig, logger *slog.Logger) *http.Client {
	return &http.Client{
		Transport: &loggingTransport{next: NewPooledTransport(pool, logger), logger: logger},
		Timeout:   timeout,
	}
}

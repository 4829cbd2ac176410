package upstream

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/net/http2"

	"github.com/nghyane/samba-mux/internal/config"
	log "github.com/nghyane/samba-mux/internal/logging"
)

const (
	proxyUserAgent = "samba-mux/1.0"

	dialTimeout           = 10 * time.Second
	keepAlive             = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 60 * time.Second
	modelsTimeout         = 30 * time.Second
)

// Client is the shared SambaNova cloud client. One instance is constructed
// at startup and reused by every request; the transport owns the bounded
// upstream connection pool.
type Client struct {
	http    *http.Client
	cfg     config.SambaConfig
	origin  string
	breaker *gobreaker.TwoStepCircuitBreaker
}

// NewClient builds the client with a tuned transport. HTTP/2 is enabled so
// concurrent streams multiplex over few connections.
func NewClient(cfg config.SambaConfig) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxConnections,
		MaxConnsPerHost:       cfg.MaxConnections,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}
	if h2, err := http2.ConfigureTransports(transport); err == nil {
		// PING-based liveness detects dead connections mid-stream much
		// faster than TCP keep-alive.
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}

	origin := "https://cloud.sambanova.ai"
	if u, err := url.Parse(cfg.CompletionURL); err == nil && u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}

	breaker := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "samba-completion",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("%s circuit breaker %s -> %s", name, from, to)
		},
	})

	return &Client{
		// No client-level timeout: completions stream for minutes and
		// are bounded by the request context instead.
		http:    &http.Client{Transport: transport},
		cfg:     cfg,
		origin:  origin,
		breaker: breaker,
	}
}

func (c *Client) headers(h http.Header, contentType string) {
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Accept", "application/json")
	h.Set("User-Agent", proxyUserAgent)
	h.Set("Origin", c.origin)
	h.Set("Referer", c.origin+"/")
}

// Complete posts the proprietary completion envelope. The response body is
// the upstream SSE stream; the caller owns it. The returned report
// callback feeds the circuit breaker and must be invoked exactly once when
// the stream finishes (true on clean completion).
//
// Authentication failures (401) are returned as a *StatusError so the
// proxy can report the rejected credential and retry once.
func (c *Client) Complete(ctx context.Context, payload []byte, token string) (*http.Response, func(success bool), error) {
	report, err := c.breaker.Allow()
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CompletionURL, bytes.NewReader(payload))
	if err != nil {
		report(false)
		return nil, nil, err
	}
	c.headers(req.Header, "application/json")
	req.AddCookie(&http.Cookie{Name: "access_token", Value: token})

	resp, err := c.http.Do(req)
	if err != nil {
		report(false)
		return nil, nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		// A rejected credential is not an upstream health problem.
		report(resp.StatusCode != http.StatusUnauthorized)
		return nil, nil, NewStatusError(resp.StatusCode, string(body))
	}
	return resp, report, nil
}

// ListModels passes the upstream model list through verbatim. The body is
// decompressed if the server compressed it.
func (c *Client) ListModels(ctx context.Context, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, modelsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ModelsURL, nil)
	if err != nil {
		return nil, err
	}
	c.headers(req.Header, "")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.AddCookie(&http.Cookie{Name: "access_token", Value: token})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, NewStatusError(resp.StatusCode, string(body))
	}

	decoded, err := DecodeBody(resp)
	if err != nil {
		return nil, err
	}
	defer decoded.Close()
	return io.ReadAll(decoded)
}

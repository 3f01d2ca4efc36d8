// Package upstream is the HTTP client for the aggregator endpoint. It is the
// only place that talks to the network on the far side of the proxy, and the
// only consumer of the payment authorization header.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultConnectTimeout   = 5 * time.Second
	defaultFirstByteTimeout = 10 * time.Second
	defaultTotalTimeout     = 60 * time.Second

	// non-2xx bodies are error payloads or 402 challenges; cap the read.
	maxErrorBody = 1 << 20
)

// Request is one upstream send.
type Request struct {
	Path   string
	Body   []byte
	Stream bool
	// Header values attached verbatim, the payment authorization among them.
	Headers map[string]string
}

// Event is one SSE block from a streaming response, bytes up to and including
// the blank-line terminator. A terminal read failure is delivered as the last
// event with Err set.
type Event struct {
	Data []byte
	Err  error
}

// Result is the outcome of one send. Exactly one of Body and Events is
// populated: non-2xx statuses and buffered 2xx responses carry Body, a
// streaming 2xx carries Events. Close must be called when Events is set.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	Events      <-chan Event

	cancel context.CancelFunc
}

// Close tears down the upstream connection behind a streaming result.
// Idempotent; a no-op for buffered results.
func (r *Result) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Client sends chat-completion requests to the aggregator.
type Client struct {
	base         *url.URL
	httpClient   *http.Client
	log          *slog.Logger
	totalTimeout time.Duration
}

// Config holds the client's endpoint and deadlines. Zero durations take the
// defaults.
type Config struct {
	BaseURL          string
	ConnectTimeout   time.Duration
	FirstByteTimeout time.Duration
	TotalTimeout     time.Duration
}

// NewClient builds the aggregator client. The transport owns the connect and
// first-byte deadlines; the total deadline is applied per send.
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream: invalid base URL %q", cfg.BaseURL)
	}
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	firstByte := cfg.FirstByteTimeout
	if firstByte <= 0 {
		firstByte = defaultFirstByteTimeout
	}
	total := cfg.TotalTimeout
	if total <= 0 {
		total = defaultTotalTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base: base,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connect}).DialContext,
				ResponseHeaderTimeout: firstByte,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		log:          log,
		totalTimeout: total,
	}, nil
}

// Host returns the endpoint host, the first half of the pre-auth cache key.
func (c *Client) Host() string {
	return c.base.Host
}

// Retryable reports whether an upstream status justifies moving to the next
// fallback model. Explicit 4xx responses are final; 5xx and selected
// transient statuses are not.
func Retryable(status int) bool {
	if status >= 500 {
		return true
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Send performs one upstream request. The total deadline starts here and
// covers the entire exchange, stream included; ctx cancellation from the
// caller tears the connection down early.
func (c *Client) Send(ctx context.Context, req Request) (*Result, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.totalTimeout)

	httpReq, err := http.NewRequestWithContext(sendCtx, http.MethodPost, c.base.String()+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: send: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	streaming := resp.StatusCode == http.StatusOK &&
		strings.HasPrefix(contentType, "text/event-stream")

	if !streaming {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("upstream: read response: %w", err)
		}
		return &Result{Status: resp.StatusCode, ContentType: contentType, Body: body}, nil
	}

	events := make(chan Event, 16)
	go c.readEvents(resp.Body, events)
	return &Result{
		Status:      resp.StatusCode,
		ContentType: contentType,
		Events:      events,
		cancel:      cancel,
	}, nil
}

// readEvents splits the SSE byte stream into blank-line-terminated blocks and
// forwards them. The channel is closed when the stream ends, cleanly or not.
func (c *Client) readEvents(body io.ReadCloser, out chan<- Event) {
	defer close(out)
	defer body.Close()

	r := bufio.NewReader(body)
	var block []byte
	for {
		line, err := r.ReadBytes('\n')
		block = append(block, line...)
		if err != nil {
			if len(bytes.TrimSpace(block)) > 0 {
				out <- Event{Data: block}
			}
			if err != io.EOF {
				out <- Event{Err: err}
			}
			return
		}
		// A bare newline (or \r\n) ends the block.
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			if len(bytes.TrimSpace(block)) > 0 {
				out <- Event{Data: block}
			}
			block = nil
		}
	}
}

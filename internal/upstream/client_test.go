package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// TestRetryable is the status classification table.
func TestRetryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{200, false},
		{400, false},
		{402, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.status); got != tc.want {
			t.Errorf("Retryable(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

// TestNewClientRejectsBadURL verifies URL validation.
func TestNewClientRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative"} {
		if _, err := NewClient(Config{BaseURL: u}, nil); err == nil {
			t.Errorf("NewClient(%q) should fail", u)
		}
	}
}

// TestSendBuffered verifies a JSON 200 comes back fully buffered.
func TestSendBuffered(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("content-type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x"}`)
	})

	res, err := c.Send(context.Background(), Request{Path: "/v1/chat/completions", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Status != 200 || res.Events != nil {
		t.Fatalf("status %d, events %v", res.Status, res.Events)
	}
	if string(res.Body) != `{"id":"x"}` {
		t.Fatalf("body = %q", res.Body)
	}
}

// TestSendForwardsHeaders verifies custom headers reach the wire.
func TestSendForwardsHeaders(t *testing.T) {
	var got string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Payment-Authorization")
		w.WriteHeader(200)
	})

	_, err := c.Send(context.Background(), Request{
		Path:    "/v1/chat/completions",
		Headers: map[string]string{"X-Payment-Authorization": "signed"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "signed" {
		t.Fatalf("header on the wire = %q", got)
	}
}

// TestSend402Buffered verifies a 402 challenge body is buffered even when the
// caller asked for a stream.
func TestSend402Buffered(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(402)
		_ = json.NewEncoder(w).Encode(map[string]any{"amount": "0.01"})
	})

	res, err := c.Send(context.Background(), Request{Path: "/v1/chat/completions", Stream: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Status != 402 || res.Events != nil {
		t.Fatalf("402 must be buffered; status %d events %v", res.Status, res.Events)
	}
	if !strings.Contains(string(res.Body), "amount") {
		t.Fatalf("challenge body = %q", res.Body)
	}
}

// TestSendStreaming verifies event framing on a text/event-stream 200.
func TestSendStreaming(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: one\n\n")
		fmt.Fprint(w, "data: two\ndata: continued\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	res, err := c.Send(context.Background(), Request{Path: "/v1/chat/completions", Stream: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer res.Close()
	if res.Events == nil {
		t.Fatal("expected a streaming result")
	}

	var blocks []string
	for ev := range res.Events {
		if ev.Err != nil {
			t.Fatalf("event error: %v", ev.Err)
		}
		blocks = append(blocks, string(ev.Data))
	}
	want := []string{
		"data: one\n\n",
		"data: two\ndata: continued\n\n",
		"data: [DONE]\n\n",
	}
	if len(blocks) != len(want) {
		t.Fatalf("got %d blocks %q, want %d", len(blocks), blocks, len(want))
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("block %d = %q, want %q", i, blocks[i], want[i])
		}
	}
}

// TestSendContextCancel verifies caller cancellation tears the send down.
func TestSendContextCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Send(ctx, Request{Path: "/v1/chat/completions"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

// TestHost verifies the pre-auth cache key host.
func TestHost(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "https://api.example.com:8443/base"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.Host() != "api.example.com:8443" {
		t.Fatalf("Host = %q", c.Host())
	}
}

package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/clawrouter/clawrouter/internal/dedup"
	"github.com/clawrouter/clawrouter/internal/postproc"
	"github.com/clawrouter/clawrouter/internal/upstream"
	"github.com/clawrouter/clawrouter/pkg/apierr"
)

const heartbeatInterval = 10 * time.Second

var (
	sseDone      = []byte("data: [DONE]\n\n")
	sseHeartbeat = []byte(": heartbeat\n\n")
)

// setSSEHeaders commits the stream headers. They are written before the first
// upstream byte arrives so intermediaries do not idle out the connection.
func setSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
}

// relayStream drains the upstream SSE events into the client connection and
// the dedup entry. It owns the entry's completion: exactly one Finish or Fail
// happens here, and the entry is detached when the stream ends.
//
// A client write failure does not stop the relay while subscribers may still
// be attached, but it does release this client's attachment immediately: the
// registry cancels the upstream send as soon as nobody is left listening,
// rather than after the stream runs to completion.
func (s *Server) relayStream(ctx *fasthttp.RequestCtx, entry *dedup.Entry, res *upstream.Result, done func(status int)) {
	setSSEHeaders(ctx)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer res.Close()

		stripper := postproc.New()
		clientGone := false
		sawDone := false

		detached := false
		detach := func() {
			if detached {
				return
			}
			detached = true
			s.registry.Detach(entry)
		}
		defer detach()

		write := func(b []byte) {
			if clientGone {
				return
			}
			if _, err := w.Write(b); err == nil {
				if err := w.Flush(); err == nil {
					return
				}
			}
			clientGone = true
			detach()
		}

		// Text the stripper held back waiting for a delimiter becomes one
		// final synthetic delta when the stream ends.
		flushCarry := func() {
			tail := stripper.Flush()
			if tail == "" {
				return
			}
			ev := deltaEvent(tail)
			write(ev)
			entry.Publish(ev)
		}

		// Flush the already-committed headers before any upstream byte.
		if err := w.Flush(); err != nil {
			clientGone = true
			detach()
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		firstEvent := false
		for {
			select {
			case ev, ok := <-res.Events:
				if !ok {
					flushCarry()
					if !sawDone {
						write(sseDone)
						entry.Publish(sseDone)
					}
					entry.Finish(time.Now())
					done(fasthttp.StatusOK)
					return
				}
				if ev.Err != nil {
					synthetic := apierr.SSEEvent("upstream stream failed",
						apierr.TypeUpstreamError, apierr.CodeUpstreamError)
					write(synthetic)
					entry.Fail(ev.Err)
					s.registry.Remove(entry)
					done(fasthttp.StatusOK)
					return
				}
				if !firstEvent {
					firstEvent = true
					heartbeat.Stop()
				}
				processed := stripper.RewriteEvent(ev.Data)
				if isDoneEvent(processed) {
					// Release any carried text before the terminator.
					flushCarry()
					sawDone = true
				}
				write(processed)
				entry.Publish(processed)

			case <-heartbeat.C:
				if firstEvent {
					continue
				}
				write(sseHeartbeat)
				s.metrics.RecordHeartbeat()
			}
		}
	})
}

// relaySubscriberStream serves a subscriber of an in-flight SSE response. All
// chunks are already post-processed by the origin.
func (s *Server) relaySubscriberStream(ctx *fasthttp.RequestCtx, entry *dedup.Entry, sub <-chan dedup.Chunk, done func(status int)) {
	setSSEHeaders(ctx)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer s.registry.Detach(entry)

		if err := w.Flush(); err != nil {
			return
		}
		for chunk := range sub {
			if chunk.Err != nil {
				synthetic := apierr.SSEEvent("upstream stream failed",
					apierr.TypeUpstreamError, apierr.CodeUpstreamError)
				w.Write(synthetic) //nolint:errcheck
				w.Flush()          //nolint:errcheck
				break
			}
			if _, err := w.Write(chunk.Data); err != nil {
				break
			}
			if err := w.Flush(); err != nil {
				break
			}
		}
		done(fasthttp.StatusOK)
	})
}

func isDoneEvent(block []byte) bool {
	return bytes.Contains(block, []byte("data: [DONE]"))
}

// deltaEvent frames text as a single synthetic content delta event.
func deltaEvent(text string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]string{"content": text}},
		},
	})
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out
}

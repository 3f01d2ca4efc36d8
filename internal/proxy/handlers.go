package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/clawrouter/clawrouter/internal/dedup"
	"github.com/clawrouter/clawrouter/internal/logger"
	"github.com/clawrouter/clawrouter/internal/postproc"
	smartrouter "github.com/clawrouter/clawrouter/internal/router"
	"github.com/clawrouter/clawrouter/internal/upstream"
	"github.com/clawrouter/clawrouter/pkg/apierr"
)

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(map[string]string{
		"status": "ok",
		"wallet": s.WalletAddress(),
	})
	ctx.SetBody(body)
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetBody(s.cat.List())
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (s *Server) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	streaming := false

	s.metrics.IncInFlight()
	finish := func(status int) {
		s.metrics.DecInFlight()
		s.metrics.ObserveHTTP(route, status, time.Since(start))
	}
	defer func() {
		// Streaming paths finalise from inside the stream writer.
		if !streaming {
			finish(ctx.Response.StatusCode())
		}
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	req, ok := parseChatRequest(ctx)
	if !ok {
		return
	}

	if s.disabled {
		s.passthrough(ctx, req, &streaming, finish)
		return
	}

	// 1. Routing decision.
	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	decision, err := s.router.Route(smartrouter.Input{
		Prompt:         req.prompt(),
		RequestedModel: req.Model,
		HasTools:       len(req.Tools) > 0,
		MaxTokens:      maxTokens,
		MessageCount:   len(req.Messages),
		ContextTokens:  req.contextChars() / 4,
		WalletEmpty:    s.balance.Empty(),
	})
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeRoutingError, apierr.CodeUnknownModel)
		return
	}
	s.metrics.ObserveRouting(string(decision.Tier), string(decision.Method), decision.Confidence, decision.Savings)
	ctx.Response.Header.Set("X-Clawrouter-Model", decision.Model)
	ctx.Response.Header.Set("X-Clawrouter-Tier", string(decision.Tier))

	s.log.Debug("routing decision",
		slog.String("request_id", reqID),
		slog.String("model", decision.Model),
		slog.String("tier", string(decision.Tier)),
		slog.String("method", string(decision.Method)),
		slog.Float64("confidence", decision.Confidence),
		slog.String("reasoning", decision.Reasoning),
	)

	// 2. Dedup lookup.
	msgs, tools := req.fingerprintInputs()
	fp := dedup.Compute(decision.Model, msgs, req.Temperature, req.MaxTokens, tools)
	entry, role := s.registry.Begin(fp)

	switch role {
	case dedup.RoleReplay:
		s.metrics.RecordDedup("replay")
		status, contentType, body := entry.Replay()
		s.registry.Detach(entry)
		ctx.Response.Header.Set("X-Clawrouter-Cache", "replay")
		ctx.SetStatusCode(status)
		ctx.SetContentType(contentType)
		ctx.SetBody(body)
		s.logRequest(reqID, decision, status, start, false, "replay", false)

	case dedup.RoleSubscriber:
		s.metrics.RecordDedup("subscriber")
		s.serveSubscriber(ctx, reqID, decision, entry, start, &streaming, finish)

	case dedup.RoleOrigin:
		s.metrics.RecordDedup("origin")
		s.serveOrigin(ctx, reqID, req, decision, entry, start, &streaming, finish)
	}
}

// serveSubscriber attaches to an in-flight identical request and relays the
// origin's bytes.
func (s *Server) serveSubscriber(ctx *fasthttp.RequestCtx, reqID string, decision smartrouter.Decision, entry *dedup.Entry, start time.Time, streaming *bool, finish func(int)) {
	sub, err := entry.Subscribe()
	if err != nil {
		s.registry.Detach(entry)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"could not attach to in-flight request",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	status, contentType, err := entry.AwaitMeta(ctx)
	if err != nil {
		s.registry.Detach(entry)
		s.writeForwardError(ctx, err)
		s.logRequest(reqID, decision, ctx.Response.StatusCode(), start, false, "subscriber", false)
		return
	}

	ctx.Response.Header.Set("X-Clawrouter-Cache", "coalesced")

	if strings.HasPrefix(contentType, "text/event-stream") {
		*streaming = true
		s.relaySubscriberStream(ctx, entry, sub, func(st int) {
			finish(st)
			s.logRequest(reqID, decision, st, start, true, "subscriber", false)
		})
		return
	}

	var buf bytes.Buffer
	for chunk := range sub {
		if chunk.Err != nil {
			s.registry.Detach(entry)
			s.writeForwardError(ctx, chunk.Err)
			s.logRequest(reqID, decision, ctx.Response.StatusCode(), start, false, "subscriber", false)
			return
		}
		buf.Write(chunk.Data)
	}
	s.registry.Detach(entry)

	ctx.SetStatusCode(status)
	ctx.SetContentType(contentType)
	ctx.SetBody(buf.Bytes())
	s.logRequest(reqID, decision, status, start, false, "subscriber", false)
}

// serveOrigin owns the upstream send for a fingerprint. The upstream context
// derives from the server, not the client connection: subscribers may still
// need the bytes after the origin client disconnects. The dedup registry
// cancels the send when the last attached client goes away.
func (s *Server) serveOrigin(ctx *fasthttp.RequestCtx, reqID string, req *chatRequest, decision smartrouter.Decision, entry *dedup.Entry, start time.Time, streaming *bool, finish func(int)) {
	sendCtx, cancel := context.WithCancel(s.baseCtx)
	entry.SetCancel(cancel)

	fr, err := s.forward(sendCtx, decision.Candidates, req)
	if err != nil {
		entry.Fail(err)
		s.registry.Remove(entry)
		s.registry.Detach(entry)
		cancel()
		s.writeForwardError(ctx, err)
		s.logRequest(reqID, decision, ctx.Response.StatusCode(), start, false, "origin", false)
		return
	}
	res := fr.res

	if res.Events != nil {
		*streaming = true
		entry.SetMeta(res.Status, res.ContentType)
		ctx.Response.Header.Set("X-Clawrouter-Cache", "miss")
		s.relayStream(ctx, entry, res, func(st int) {
			cancel()
			finish(st)
			s.logRequest(reqID, decision, st, start, true, "origin", fr.paymentRetried)
		})
		return
	}
	cancel()

	status, contentType, body := res.Status, res.ContentType, res.Body
	if status >= 200 && status < 300 {
		body = postproc.New().RewriteBody(body)
	}
	entry.SetMeta(status, contentType)
	entry.Publish(body)
	entry.Finish(time.Now())
	if status < 200 || status >= 300 {
		// Subscribers see the same error bytes, but errors are never replayed.
		s.registry.Remove(entry)
	}
	s.registry.Detach(entry)

	ctx.Response.Header.Set("X-Clawrouter-Cache", "miss")
	ctx.SetStatusCode(status)
	ctx.SetContentType(contentType)
	ctx.SetBody(body)
	s.logRequest(reqID, decision, status, start, false, "origin", fr.paymentRetried)
}

// passthrough forwards the raw body untouched; used when the proxy is
// registered but disabled.
func (s *Server) passthrough(ctx *fasthttp.RequestCtx, req *chatRequest, streaming *bool, finish func(int)) {
	res, err := s.upstream.Send(s.baseCtx, upstream.Request{
		Path:   chatCompletionsPath,
		Body:   ctx.PostBody(),
		Stream: req.Stream,
	})
	if err != nil {
		s.writeForwardError(ctx, err)
		return
	}

	if res.Events == nil {
		ctx.SetStatusCode(res.Status)
		ctx.SetContentType(res.ContentType)
		ctx.SetBody(res.Body)
		return
	}

	*streaming = true
	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer res.Close()
		for ev := range res.Events {
			if ev.Err != nil {
				break
			}
			if _, werr := w.Write(ev.Data); werr != nil {
				break
			}
			if werr := w.Flush(); werr != nil {
				break
			}
		}
		finish(fasthttp.StatusOK)
	})
}

// writeForwardError maps forwarder failures to client responses.
//
//	payment rejected      → 402 with the upstream body surfaced
//	deadline exceeded     → 504
//	subscriber lagged     → 500
//	exhausted fallbacks   → 502
func (s *Server) writeForwardError(ctx *fasthttp.RequestCtx, err error) {
	var rejected *paymentRejectedError
	if errors.As(err, &rejected) {
		ctx.SetStatusCode(fasthttp.StatusPaymentRequired)
		ctx.SetContentType("application/json")
		if len(rejected.body) > 0 {
			ctx.SetBody(rejected.body)
		} else {
			ctx.SetBody(apierr.Body("payment rejected by upstream",
				apierr.TypePaymentError, apierr.CodePaymentRejected))
		}
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	if errors.Is(err, dedup.ErrSubscriberLagged) {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	var ex *exhaustedError
	if errors.As(err, &ex) && ex.status > 0 {
		apierr.WriteUpstream(ctx, ex.status, ex.Error())
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
		apierr.TypeUpstreamError, apierr.CodeUpstreamError)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (s *Server) logRequest(reqID string, decision smartrouter.Decision, status int, start time.Time, streamed bool, dedupRole string, paymentRetried bool) {
	if s.reqLogger == nil {
		return
	}
	reqUUID, _ := uuid.Parse(reqID)
	s.reqLogger.Log(logger.RequestLog{
		ID:             reqUUID,
		Model:          decision.Model,
		Tier:           string(decision.Tier),
		Method:         string(decision.Method),
		Status:         uint16(status),
		LatencyMs:      uint32(time.Since(start).Milliseconds()),
		Streamed:       streamed,
		DedupRole:      dedupRole,
		PaymentRetried: paymentRetried,
		CreatedAt:      time.Now(),
	})
}

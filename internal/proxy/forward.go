package proxy

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawrouter/clawrouter/internal/payment"
	"github.com/clawrouter/clawrouter/internal/upstream"
)

// paymentRejectedError carries the upstream 402 body after the one permitted
// retry failed; the body is surfaced to the client unchanged.
type paymentRejectedError struct {
	body []byte
}

func (e *paymentRejectedError) Error() string { return "payment rejected by upstream" }

// exhaustedError means every candidate in the fallback chain failed with a
// network error or a 5xx.
type exhaustedError struct {
	lastErr error
	status  int
}

func (e *exhaustedError) Error() string {
	if e.lastErr != nil {
		return fmt.Sprintf("all fallback candidates failed: %v", e.lastErr)
	}
	return fmt.Sprintf("all fallback candidates failed, last status %d", e.status)
}

// forwardResult is one successful (or client-error) upstream exchange.
type forwardResult struct {
	res            *upstream.Result
	model          string
	paymentRetried bool
}

// forward walks the candidate chain until one model answers. Only network
// errors and retryable statuses advance the chain; a 4xx (402 aside) is the
// final answer. A 402 triggers the challenge dance with exactly one retry.
func (s *Server) forward(ctx context.Context, candidates []string, req *chatRequest) (*forwardResult, error) {
	exhausted := &exhaustedError{}

	for i, model := range candidates {
		last := i == len(candidates)-1
		if !s.breaker.Allow(model) && !last {
			s.log.Debug("skipping model with open breaker", slog.String("model", model))
			continue
		}

		fr, final, err := s.attempt(ctx, model, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, err
			}
			var rejected *paymentRejectedError
			if errors.As(err, &rejected) {
				return nil, err
			}
			s.breaker.RecordFailure(model)
			exhausted.lastErr = err
			continue
		}
		if final {
			return fr, nil
		}
		// Retryable upstream status; remember it and move on.
		s.breaker.RecordFailure(model)
		exhausted.status = fr.res.Status
		exhausted.lastErr = nil
	}
	return nil, exhausted
}

// attempt performs one candidate's exchange, payment retry included. final is
// false when the status should advance the fallback chain.
func (s *Server) attempt(ctx context.Context, model string, req *chatRequest) (fr *forwardResult, final bool, err error) {
	body, err := req.bodyForModel(model)
	if err != nil {
		return nil, false, err
	}
	digest := sha256.Sum256(body)
	host := s.upstream.Host()

	headers := make(map[string]string)
	if s.payment != nil {
		if hdr, ok := s.payment.Prepare(host, model); ok {
			headers[payment.HeaderAuthorization] = string(hdr)
			s.metrics.PreauthHit()
		} else {
			s.metrics.PreauthMiss()
		}
	}

	res, err := s.send(ctx, model, body, req.Stream, headers)
	if err != nil {
		return nil, false, err
	}

	retried := false
	if res.Status == 402 {
		if s.payment == nil {
			return nil, false, &paymentRejectedError{body: res.Body}
		}
		s.payment.Observe(host, model, res.Status)

		hdr, signErr := s.payment.Satisfy(ctx, host, model, res.Body, digest)
		if signErr != nil {
			s.metrics.RecordSignature("error")
			return nil, false, fmt.Errorf("sign payment: %w", signErr)
		}
		s.metrics.RecordSignature("ok")
		headers[payment.HeaderAuthorization] = string(hdr)

		res, err = s.send(ctx, model, body, req.Stream, headers)
		if err != nil {
			return nil, false, err
		}
		retried = true

		// A second 402 is fatal for this request; surface the body.
		if res.Status == 402 {
			s.payment.Observe(host, model, res.Status)
			return nil, false, &paymentRejectedError{body: res.Body}
		}
	}

	if s.payment != nil && res.Status >= 200 && res.Status < 300 {
		s.payment.Observe(host, model, res.Status)
	}

	if upstream.Retryable(res.Status) {
		res.Close()
		return &forwardResult{res: res, model: model, paymentRetried: retried}, false, nil
	}

	s.breaker.RecordSuccess(model)
	return &forwardResult{res: res, model: model, paymentRetried: retried}, true, nil
}

func (s *Server) send(ctx context.Context, model string, body []byte, stream bool, headers map[string]string) (*upstream.Result, error) {
	start := time.Now()
	res, err := s.upstream.Send(ctx, upstream.Request{
		Path:    chatCompletionsPath,
		Body:    body,
		Stream:  stream,
		Headers: headers,
	})
	if err != nil {
		s.metrics.ObserveUpstreamAttempt(model, "network_error", time.Since(start))
		return nil, err
	}
	s.metrics.ObserveUpstreamAttempt(model, fmt.Sprintf("status_%d", res.Status), time.Since(start))
	return res, nil
}

// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeRoutingError   = "routing_error"
	TypePaymentError   = "payment_error"
	TypeUpstreamError  = "upstream_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeUnknownModel     = "unknown_model"
	CodeBodyTooLarge     = "body_too_large"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeNoCapableModel   = "no_capable_model"
	CodePaymentRejected  = "payment_rejected"
	CodeUpstreamError    = "upstream_error"
	CodeRequestTimeout   = "request_timeout"
	CodeInternalError    = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(message, errType, code))
}

// Body returns the marshalled error envelope without touching a response.
func Body(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// WriteUpstream maps an upstream HTTP status to the status surfaced to the
// client.
//
//	Upstream 4xx  → same status (client error, never retried)
//	Upstream 5xx  → 502 after the fallback chain is exhausted
func WriteUpstream(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	if upstreamStatus >= 400 && upstreamStatus < 500 {
		Write(ctx, upstreamStatus, msg, TypeUpstreamError, CodeUpstreamError)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeUpstreamError, CodeRequestTimeout)
}

// SSEEvent renders the error as a synthetic server-sent event, used when a
// failure occurs after response headers have already been committed to an
// active stream.
func SSEEvent(message, errType, code string) []byte {
	body := Body(message, errType, code)
	out := make([]byte, 0, len(body)+8)
	out = append(out, "data: "...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out
}

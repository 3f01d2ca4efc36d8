package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/clawrouter/clawrouter/internal/dedup"
	"github.com/clawrouter/clawrouter/pkg/apierr"
)

const (
	// maxBodyBytes is the request body ceiling. A body of exactly this size
	// is accepted; one byte more is a 413.
	maxBodyBytes = 150 * 1024

	maxMessages = 200
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the validated inbound chat-completions body. The raw field
// map is retained so the forwarder can rewrite the model without disturbing
// fields the proxy does not interpret.
type chatRequest struct {
	Model       string
	Messages    []chatMessage
	Stream      bool
	Temperature *float64
	MaxTokens   *int
	Tools       []json.RawMessage

	raw map[string]json.RawMessage
}

// parseChatRequest validates the request body and writes the error response
// itself on failure.
func parseChatRequest(ctx *fasthttp.RequestCtx) (*chatRequest, bool) {
	body := ctx.PostBody()
	if len(body) > maxBodyBytes {
		apierr.Write(ctx, fasthttp.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes),
			apierr.TypeInvalidRequest, apierr.CodeBodyTooLarge)
		return nil, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}

	req := &chatRequest{raw: raw}

	if rawModel, ok := raw["model"]; ok {
		if err := json.Unmarshal(rawModel, &req.Model); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"field 'model' must be a string",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return nil, false
		}
	}

	rawMsgs, ok := raw["messages"]
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	if err := json.Unmarshal(rawMsgs, &req.Messages); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must be an array of {role, content} objects",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	if len(req.Messages) > maxMessages {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("field 'messages' exceeds %d entries", maxMessages),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}

	if rawStream, ok := raw["stream"]; ok {
		if err := json.Unmarshal(rawStream, &req.Stream); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"field 'stream' must be a boolean",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return nil, false
		}
	}

	if rawTemp, ok := raw["temperature"]; ok && string(rawTemp) != "null" {
		var t float64
		if err := json.Unmarshal(rawTemp, &t); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"field 'temperature' must be a number",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return nil, false
		}
		req.Temperature = &t
	}

	if rawMax, ok := raw["max_tokens"]; ok && string(rawMax) != "null" {
		var mt int
		if err := json.Unmarshal(rawMax, &mt); err != nil || mt < 0 {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"field 'max_tokens' must be a non-negative integer",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return nil, false
		}
		req.MaxTokens = &mt
	}

	if rawTools, ok := raw["tools"]; ok && string(rawTools) != "null" {
		if err := json.Unmarshal(rawTools, &req.Tools); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"field 'tools' must be an array",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return nil, false
		}
	}

	return req, true
}

// prompt concatenates the user message contents, the text the router scores.
func (r *chatRequest) prompt() string {
	var parts []string
	for _, m := range r.Messages {
		if strings.EqualFold(m.Role, "user") {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// contextChars is the total character count across all messages, used to
// estimate context-window pressure.
func (r *chatRequest) contextChars() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Content)
	}
	return n
}

// fingerprintInputs converts the request into the dedup hash inputs.
func (r *chatRequest) fingerprintInputs() ([]dedup.Message, []dedup.Tool) {
	msgs := make([]dedup.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = dedup.Message{Role: m.Role, Content: m.Content}
	}
	var tools []dedup.Tool
	for _, t := range r.Tools {
		tools = append(tools, dedup.Tool{Name: toolName(t), Raw: t})
	}
	return msgs, tools
}

// toolName extracts function.name from an OpenAI tool definition; the raw
// JSON stands in when the shape is unexpected.
func toolName(raw json.RawMessage) string {
	var t struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &t); err == nil && t.Function.Name != "" {
		return t.Function.Name
	}
	return string(raw)
}

// bodyForModel re-serializes the request with the model field replaced by the
// chosen upstream model.
func (r *chatRequest) bodyForModel(model string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.raw))
	for k, v := range r.raw {
		out[k] = v
	}
	rawModel, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	out["model"] = rawModel
	return json.Marshal(out)
}

// Package postproc strips provider-specific thinking tokens from completion
// output. Models routed through the aggregator wrap their scratch reasoning
// in delimiter pairs; clients expect only the final answer.
package postproc

import (
	"bytes"
	"encoding/json"
	"strings"
)

type pair struct {
	open, close string
}

// defaultPairs covers the delimiter conventions seen across providers.
var defaultPairs = []pair{
	{"<think>", "</think>"},
	{"<thinking>", "</thinking>"},
	{"<reasoning>", "</reasoning>"},
	{"<|begin_of_thought|>", "<|end_of_thought|>"},
}

// Stripper removes thinking spans. A zero Stripper is not usable; build one
// with New. Instances carry streaming state and are not safe for concurrent
// use; each relayed stream owns its own.
type Stripper struct {
	pairs []pair

	// streaming state: the pair whose close we are scanning for, and a
	// carry-over holding a possible partial delimiter split across deltas.
	inside *pair
	carry  string
}

// New builds a stripper over the default delimiter pairs.
func New() *Stripper {
	return &Stripper{pairs: defaultPairs}
}

// StripAll removes every delimited span from a complete text. An opening
// delimiter with no close swallows the rest of the text, matching how
// truncated generations end mid-thought.
func (s *Stripper) StripAll(text string) string {
	for {
		openIdx, p := s.earliestOpen(text)
		if openIdx < 0 {
			return text
		}
		rest := text[openIdx+len(p.open):]
		closeIdx := strings.Index(rest, p.close)
		if closeIdx < 0 {
			return text[:openIdx]
		}
		text = text[:openIdx] + rest[closeIdx+len(p.close):]
	}
}

// Feed processes one streaming delta and returns the visible portion. Text
// inside a thinking span is dropped; a delimiter split across delta
// boundaries is held back in the carry-over until the next call decides it.
func (s *Stripper) Feed(delta string) string {
	text := s.carry + delta
	s.carry = ""

	var out strings.Builder
	for text != "" {
		if s.inside != nil {
			closeIdx := strings.Index(text, s.inside.close)
			if closeIdx >= 0 {
				text = text[closeIdx+len(s.inside.close):]
				s.inside = nil
				continue
			}
			// Still thinking. Keep only a suffix that might start the close.
			s.carry = partialSuffix(text, []string{s.inside.close})
			return out.String()
		}

		openIdx, p := s.earliestOpen(text)
		if openIdx >= 0 {
			out.WriteString(text[:openIdx])
			text = text[openIdx+len(p.open):]
			s.inside = &p
			continue
		}
		keep := partialSuffix(text, s.openDelims())
		out.WriteString(text[:len(text)-len(keep)])
		s.carry = keep
		return out.String()
	}
	return out.String()
}

// Flush ends a stream. Carried text outside a span is visible after all; a
// span still open at end of stream stays stripped.
func (s *Stripper) Flush() string {
	if s.inside != nil {
		s.inside = nil
		s.carry = ""
		return ""
	}
	c := s.carry
	s.carry = ""
	return c
}

func (s *Stripper) earliestOpen(text string) (int, pair) {
	best := -1
	var bestPair pair
	for _, p := range s.pairs {
		if i := strings.Index(text, p.open); i >= 0 && (best < 0 || i < best) {
			best = i
			bestPair = p
		}
	}
	return best, bestPair
}

func (s *Stripper) openDelims() []string {
	out := make([]string, len(s.pairs))
	for i, p := range s.pairs {
		out[i] = p.open
	}
	return out
}

// partialSuffix returns the longest suffix of text that is a strict prefix of
// any delimiter, the part that must wait for the next delta.
func partialSuffix(text string, delims []string) string {
	longest := 0
	for _, d := range delims {
		max := len(d) - 1
		if max > len(text) {
			max = len(text)
		}
		for l := max; l > longest; l-- {
			if strings.HasPrefix(d, text[len(text)-l:]) {
				longest = l
				break
			}
		}
	}
	if longest == 0 {
		return ""
	}
	return text[len(text)-longest:]
}

// RewriteBody strips thinking spans from a buffered chat-completion body,
// rewriting choices[].message.content in place. Bodies that do not parse as
// the expected shape pass through untouched.
func (s *Stripper) RewriteBody(body []byte) []byte {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(doc["choices"], &choices); err != nil || len(choices) == 0 {
		return body
	}

	changed := false
	for _, choice := range choices {
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(choice["message"], &msg); err != nil {
			continue
		}
		var content string
		if err := json.Unmarshal(msg["content"], &content); err != nil {
			continue
		}
		stripped := s.StripAll(content)
		if stripped == content {
			continue
		}
		raw, _ := json.Marshal(stripped)
		msg["content"] = raw
		rawMsg, _ := json.Marshal(msg)
		choice["message"] = rawMsg
		changed = true
	}
	if !changed {
		return body
	}
	rawChoices, _ := json.Marshal(choices)
	doc["choices"] = rawChoices
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

// RewriteEvent strips thinking spans from one SSE event block, rewriting
// choices[].delta.content through the streaming state machine. Comments,
// [DONE], and unparseable payloads pass through unchanged.
func (s *Stripper) RewriteEvent(block []byte) []byte {
	var out bytes.Buffer
	for _, line := range bytes.SplitAfter(block, []byte("\n")) {
		trimmed := bytes.TrimRight(line, "\r\n")
		if !bytes.HasPrefix(trimmed, []byte("data: ")) {
			out.Write(line)
			continue
		}
		payload := trimmed[len("data: "):]
		if bytes.Equal(payload, []byte("[DONE]")) {
			out.Write(line)
			continue
		}
		rewritten, ok := s.rewriteDelta(payload)
		if !ok {
			out.Write(line)
			continue
		}
		out.WriteString("data: ")
		out.Write(rewritten)
		out.Write(line[len(trimmed):])
	}
	return out.Bytes()
}

func (s *Stripper) rewriteDelta(payload []byte) ([]byte, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, false
	}
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(doc["choices"], &choices); err != nil || len(choices) == 0 {
		return nil, false
	}

	changed := false
	for _, choice := range choices {
		var delta map[string]json.RawMessage
		if err := json.Unmarshal(choice["delta"], &delta); err != nil {
			continue
		}
		var content string
		if err := json.Unmarshal(delta["content"], &content); err != nil {
			continue
		}
		stripped := s.Feed(content)
		if stripped == content {
			continue
		}
		raw, _ := json.Marshal(stripped)
		delta["content"] = raw
		rawDelta, _ := json.Marshal(delta)
		choice["delta"] = rawDelta
		changed = true
	}
	if !changed {
		return nil, false
	}
	rawChoices, _ := json.Marshal(choices)
	doc["choices"] = rawChoices
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	return out, true
}

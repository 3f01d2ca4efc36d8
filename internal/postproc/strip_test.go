package postproc

import (
	"strings"
	"testing"
)

// TestStripAll verifies whole-text stripping across delimiter conventions.
func TestStripAll(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no spans", "plain answer", "plain answer"},
		{"think", "<think>mull it over</think>The answer is 4.", "The answer is 4."},
		{"thinking", "a<thinking>x</thinking>b", "ab"},
		{"reasoning", "<reasoning>hm</reasoning>ok", "ok"},
		{"thought tokens", "<|begin_of_thought|>deep<|end_of_thought|>out", "out"},
		{"multiple spans", "<think>a</think>one<think>b</think>two", "onetwo"},
		{"unclosed swallows rest", "visible<think>never closed", "visible"},
		{"span mid text", "pre<think>x</think>post", "prepost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := New().StripAll(tc.in); got != tc.want {
				t.Errorf("StripAll(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// TestFeedWholeSpanInOneDelta verifies the streaming path on unsplit input.
func TestFeedWholeSpanInOneDelta(t *testing.T) {
	s := New()
	got := s.Feed("<think>scratch</think>answer") + s.Flush()
	if got != "answer" {
		t.Fatalf("got %q, want %q", got, "answer")
	}
}

// TestFeedDelimiterStraddlesDeltas verifies a delimiter split across delta
// boundaries is still recognised.
func TestFeedDelimiterStraddlesDeltas(t *testing.T) {
	s := New()
	var out strings.Builder
	for _, delta := range []string{"<th", "ink>hidden", " stuff</th", "ink>The answer"} {
		out.WriteString(s.Feed(delta))
	}
	out.WriteString(s.Flush())
	if out.String() != "The answer" {
		t.Fatalf("got %q, want %q", out.String(), "The answer")
	}
}

// TestFeedCarryReleasedOnFlush verifies text that merely looks like a
// delimiter prefix is released at end of stream.
func TestFeedCarryReleasedOnFlush(t *testing.T) {
	s := New()
	got := s.Feed("answer ends with <") + s.Flush()
	if got != "answer ends with <" {
		t.Fatalf("got %q", got)
	}
}

// TestFeedUnclosedSpanStaysStripped verifies a span still open at end of
// stream swallows its content.
func TestFeedUnclosedSpanStaysStripped(t *testing.T) {
	s := New()
	got := s.Feed("visible<think>still going") + s.Flush()
	if got != "visible" {
		t.Fatalf("got %q, want %q", got, "visible")
	}
}

// TestFeedFalseDelimiterPrefix verifies a near-miss prefix flows through once
// disambiguated.
func TestFeedFalseDelimiterPrefix(t *testing.T) {
	s := New()
	got := s.Feed("<thi") + s.Feed("rd option") + s.Flush()
	if got != "<third option" {
		t.Fatalf("got %q, want %q", got, "<third option")
	}
}

// TestPartialSuffix exercises the carry-over computation directly.
func TestPartialSuffix(t *testing.T) {
	delims := []string{"<think>", "<reasoning>"}
	cases := []struct {
		text string
		want string
	}{
		{"hello", ""},
		{"hello<", "<"},
		{"hello<think", "<think"},
		{"hello<reasonin", "<reasonin"},
		{"<think>", ""}, // full delimiter is not a strict prefix
		{"", ""},
	}
	for _, tc := range cases {
		if got := partialSuffix(tc.text, delims); got != tc.want {
			t.Errorf("partialSuffix(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

// TestRewriteBody verifies buffered-response rewriting touches only
// choices[].message.content.
func TestRewriteBody(t *testing.T) {
	in := []byte(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"<think>mull</think>Paris"},"finish_reason":"stop"}],"usage":{"total_tokens":5}}`)
	out := New().RewriteBody(in)

	if !strings.Contains(string(out), `"Paris"`) {
		t.Fatalf("content not stripped: %s", out)
	}
	if strings.Contains(string(out), "mull") {
		t.Fatalf("thinking text leaked: %s", out)
	}
	if !strings.Contains(string(out), `"total_tokens":5`) {
		t.Fatalf("unrelated fields disturbed: %s", out)
	}
}

// TestRewriteBodyPassThrough verifies non-matching bodies are untouched.
func TestRewriteBodyPassThrough(t *testing.T) {
	for _, body := range []string{"not json", `{"error":{"message":"x"}}`, `{"choices":[]}`} {
		if got := New().RewriteBody([]byte(body)); string(got) != body {
			t.Errorf("RewriteBody(%q) = %q, want pass-through", body, got)
		}
	}
}

// TestRewriteEvent verifies SSE delta rewriting and pass-through of [DONE]
// and comment lines.
func TestRewriteEvent(t *testing.T) {
	s := New()

	ev := []byte("data: {\"choices\":[{\"delta\":{\"content\":\"<think>hid\"}}]}\n\n")
	out := s.RewriteEvent(ev)
	if strings.Contains(string(out), "hid") {
		t.Fatalf("thinking delta leaked: %s", out)
	}

	ev = []byte("data: {\"choices\":[{\"delta\":{\"content\":\"den</think>Paris\"}}]}\n\n")
	out = s.RewriteEvent(ev)
	if !strings.Contains(string(out), "Paris") || strings.Contains(string(out), "den<") {
		t.Fatalf("span close across events mishandled: %s", out)
	}

	done := []byte("data: [DONE]\n\n")
	if got := s.RewriteEvent(done); string(got) != string(done) {
		t.Fatalf("[DONE] modified: %q", got)
	}

	comment := []byte(": heartbeat\n\n")
	if got := s.RewriteEvent(comment); string(got) != string(comment) {
		t.Fatalf("comment modified: %q", got)
	}
}

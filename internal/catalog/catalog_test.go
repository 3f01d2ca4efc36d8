package catalog

import (
	"encoding/json"
	"strings"
	"testing"
)

// TestResolveAliases verifies shorthand aliases map to canonical ids.
func TestResolveAliases(t *testing.T) {
	c := MustNew()

	cases := []struct {
		in   string
		want string
	}{
		{"sonnet-4.6", "anthropic/claude-sonnet-4-6"},
		{"opus-4.6", "anthropic/claude-opus-4-6"},
		{"haiku-4.5", "anthropic/claude-haiku-4-5"},
		{"r1", "deepseek/deepseek-r1"},
		{"llama-70b", "meta/llama-3.3-70b-instruct"},
		{"gemini-flash", "google/gemini-2.5-flash"},
		{"SONNET-4.6", "anthropic/claude-sonnet-4-6"}, // aliases are case-insensitive
	}
	for _, tc := range cases {
		got, ok := c.Resolve(tc.in)
		if !ok {
			t.Errorf("Resolve(%q): not known", tc.in)
			continue
		}
		if got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestResolveHostPrefix verifies the clawrouter/ namespace is stripped before
// alias resolution.
func TestResolveHostPrefix(t *testing.T) {
	c := MustNew()

	got, ok := c.Resolve("clawrouter/sonnet-4.6")
	if !ok || got != "anthropic/claude-sonnet-4-6" {
		t.Fatalf("Resolve(clawrouter/sonnet-4.6) = %q, %v", got, ok)
	}
}

// TestResolvePseudoModels verifies auto, free, and the empty model field.
func TestResolvePseudoModels(t *testing.T) {
	c := MustNew()

	if got, ok := c.Resolve(""); !ok || got != ModelAuto {
		t.Errorf("Resolve(\"\") = %q, %v; want auto", got, ok)
	}
	if got, ok := c.Resolve("auto"); !ok || got != ModelAuto {
		t.Errorf("Resolve(auto) = %q, %v", got, ok)
	}
	if got, ok := c.Resolve("free"); !ok || got != c.FreeModel() {
		t.Errorf("Resolve(free) = %q, %v; want %q", got, ok, c.FreeModel())
	}
}

// TestResolveTierKeyword verifies tier keywords pass through uppercased.
func TestResolveTierKeyword(t *testing.T) {
	c := MustNew()

	for _, tier := range Tiers {
		got, ok := c.Resolve(strings.ToLower(string(tier)))
		if !ok || got != string(tier) {
			t.Errorf("Resolve(%q) = %q, %v; want %q", strings.ToLower(string(tier)), got, ok, tier)
		}
	}
}

// TestResolveUnknown verifies unknown ids report not-known.
func TestResolveUnknown(t *testing.T) {
	c := MustNew()

	if _, ok := c.Resolve("gpt-99-ultra"); ok {
		t.Fatal("Resolve of unknown model should report not known")
	}
}

// TestCandidatesDedup verifies the attempt chain starts with the primary and
// contains no duplicates.
func TestCandidatesDedup(t *testing.T) {
	c := MustNew()

	for _, tier := range Tiers {
		candidates := c.Candidates(tier)
		if len(candidates) == 0 {
			t.Fatalf("tier %s has no candidates", tier)
		}
		if candidates[0] != c.TierOf(tier).Primary {
			t.Errorf("tier %s: first candidate %q is not the primary", tier, candidates[0])
		}
		seen := map[string]bool{}
		for _, id := range candidates {
			if seen[id] {
				t.Errorf("tier %s: duplicate candidate %q", tier, id)
			}
			seen[id] = true
			if _, ok := c.Lookup(id); !ok {
				t.Errorf("tier %s: candidate %q not in catalog", tier, id)
			}
		}
	}
}

// TestBaseline verifies the savings baseline is the priciest reasoning model.
func TestBaseline(t *testing.T) {
	c := MustNew()

	b := c.Baseline()
	if !b.Reasoning {
		t.Fatalf("baseline %q is not a reasoning model", b.ID)
	}
	if b.ID != "anthropic/claude-opus-4-6" {
		t.Fatalf("baseline = %q, want anthropic/claude-opus-4-6", b.ID)
	}
}

// TestCheapestWithWindow verifies window-constrained selection inside a tier.
func TestCheapestWithWindow(t *testing.T) {
	c := MustNew()

	// 150k tokens exceeds both llama windows; only gemini-2.5-flash fits.
	m, ok := c.CheapestWithWindow(TierSimple, 150_000)
	if !ok {
		t.Fatal("expected a model fitting 150k tokens in SIMPLE")
	}
	if m.ID != "google/gemini-2.5-flash" {
		t.Fatalf("CheapestWithWindow = %q, want google/gemini-2.5-flash", m.ID)
	}

	// Nothing in the catalog holds 10M tokens.
	if _, ok := c.CheapestWithWindow(TierSimple, 10_000_000); ok {
		t.Fatal("no model should fit 10M tokens")
	}
}

// TestNewRejectsUnknownOverride verifies tier overrides naming an
// uncatalogued model fail construction.
func TestNewRejectsUnknownOverride(t *testing.T) {
	_, err := New(map[Tier]TierModels{
		TierSimple: {Primary: "nonexistent/model"},
	})
	if err == nil {
		t.Fatal("expected error for unknown override model")
	}
}

// TestNewAppliesOverride verifies a valid override replaces the builtin tier.
func TestNewAppliesOverride(t *testing.T) {
	c, err := New(map[Tier]TierModels{
		TierSimple: {Primary: "google/gemini-2.5-flash"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.TierOf(TierSimple).Primary; got != "google/gemini-2.5-flash" {
		t.Fatalf("override primary = %q", got)
	}
}

// TestList verifies the /v1/models payload shape.
func TestList(t *testing.T) {
	c := MustNew()

	var payload struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(c.List(), &payload); err != nil {
		t.Fatalf("List did not produce valid JSON: %v", err)
	}
	if payload.Object != "list" {
		t.Errorf("object = %q, want list", payload.Object)
	}
	if len(payload.Data) != len(builtinModels) {
		t.Errorf("listed %d models, want %d", len(payload.Data), len(builtinModels))
	}
	for _, e := range payload.Data {
		if e.Object != "model" {
			t.Errorf("entry %q object = %q", e.ID, e.Object)
		}
		if !strings.HasPrefix(e.ID, e.OwnedBy+"/") {
			t.Errorf("entry %q owner %q does not match prefix", e.ID, e.OwnedBy)
		}
	}
}

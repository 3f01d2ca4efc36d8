// Package catalog holds the static model catalog: descriptors, complexity
// tiers, and alias resolution.
//
// The catalog is immutable for the life of the process. Tier model lists can
// be overridden from configuration at startup; everything else is compiled in.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tier is a complexity bucket mapping to an ordered model list.
type Tier string

const (
	TierSimple    Tier = "SIMPLE"
	TierMedium    Tier = "MEDIUM"
	TierComplex   Tier = "COMPLEX"
	TierReasoning Tier = "REASONING"
)

// Tiers lists all tiers from cheapest to most expensive.
var Tiers = []Tier{TierSimple, TierMedium, TierComplex, TierReasoning}

// Pseudo-model names accepted in the "model" request field.
const (
	ModelAuto = "auto"
	ModelFree = "free"
)

// HostPrefix is stripped from incoming model ids before alias resolution, so
// clients can namespace requests as "clawrouter/<model>".
const HostPrefix = "clawrouter/"

// Model describes one upstream model. All cost fields are USD per million
// tokens.
type Model struct {
	ID            string
	DisplayName   string
	ContextWindow int
	MaxOutput     int
	InputCost     float64
	OutputCost    float64
	Reasoning     bool
	SupportsTools bool
	Streaming     bool
	Affinity      Tier
}

// TierModels is the ordered candidate list for one tier: primary first,
// fallbacks in preference order.
type TierModels struct {
	Primary   string
	Fallbacks []string
}

// Catalog is the full model registry plus tier assignments.
type Catalog struct {
	models  map[string]Model
	tiers   map[Tier]TierModels
	aliases map[string]string
	free    string
}

// builtinModels is the static descriptor table.
var builtinModels = []Model{
	{
		ID: "meta/llama-3.1-8b-instruct", DisplayName: "Llama 3.1 8B Instruct",
		ContextWindow: 131072, MaxOutput: 8192,
		InputCost: 0, OutputCost: 0,
		SupportsTools: false, Streaming: true, Affinity: TierSimple,
	},
	{
		ID: "meta/llama-3.3-70b-instruct", DisplayName: "Llama 3.3 70B Instruct",
		ContextWindow: 131072, MaxOutput: 8192,
		InputCost: 0.10, OutputCost: 0.28,
		SupportsTools: true, Streaming: true, Affinity: TierSimple,
	},
	{
		ID: "google/gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash",
		ContextWindow: 1048576, MaxOutput: 65536,
		InputCost: 0.15, OutputCost: 0.60,
		SupportsTools: true, Streaming: true, Affinity: TierSimple,
	},
	{
		ID: "openai/gpt-4.1-mini", DisplayName: "GPT-4.1 mini",
		ContextWindow: 1047576, MaxOutput: 32768,
		InputCost: 0.40, OutputCost: 1.60,
		SupportsTools: true, Streaming: true, Affinity: TierMedium,
	},
	{
		ID: "anthropic/claude-haiku-4-5", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: 64000,
		InputCost: 1.00, OutputCost: 5.00,
		SupportsTools: true, Streaming: true, Affinity: TierMedium,
	},
	{
		ID: "anthropic/claude-sonnet-4-6", DisplayName: "Claude Sonnet 4.6",
		ContextWindow: 200000, MaxOutput: 64000,
		InputCost: 3.00, OutputCost: 15.00,
		SupportsTools: true, Streaming: true, Affinity: TierComplex,
	},
	{
		ID: "openai/gpt-4.1", DisplayName: "GPT-4.1",
		ContextWindow: 1047576, MaxOutput: 32768,
		InputCost: 2.00, OutputCost: 8.00,
		SupportsTools: true, Streaming: true, Affinity: TierComplex,
	},
	{
		ID: "deepseek/deepseek-r1", DisplayName: "DeepSeek R1",
		ContextWindow: 65536, MaxOutput: 8192,
		InputCost: 0.55, OutputCost: 2.19,
		Reasoning: true, SupportsTools: false, Streaming: true, Affinity: TierReasoning,
	},
	{
		ID: "openai/o3", DisplayName: "OpenAI o3",
		ContextWindow: 200000, MaxOutput: 100000,
		InputCost: 10.00, OutputCost: 40.00,
		Reasoning: true, SupportsTools: true, Streaming: true, Affinity: TierReasoning,
	},
	{
		ID: "anthropic/claude-opus-4-6", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, MaxOutput: 64000,
		InputCost: 15.00, OutputCost: 75.00,
		Reasoning: true, SupportsTools: true, Streaming: true, Affinity: TierReasoning,
	},
}

// builtinTiers assigns the ordered candidate list per tier.
var builtinTiers = map[Tier]TierModels{
	TierSimple: {
		Primary:   "meta/llama-3.3-70b-instruct",
		Fallbacks: []string{"google/gemini-2.5-flash", "meta/llama-3.1-8b-instruct"},
	},
	TierMedium: {
		Primary:   "openai/gpt-4.1-mini",
		Fallbacks: []string{"anthropic/claude-haiku-4-5", "google/gemini-2.5-flash"},
	},
	TierComplex: {
		Primary:   "anthropic/claude-sonnet-4-6",
		Fallbacks: []string{"openai/gpt-4.1", "anthropic/claude-haiku-4-5"},
	},
	TierReasoning: {
		Primary:   "anthropic/claude-opus-4-6",
		Fallbacks: []string{"openai/o3", "deepseek/deepseek-r1"},
	},
}

// builtinAliases maps versioned shorthands to canonical ids.
var builtinAliases = map[string]string{
	"sonnet-4.6":        "anthropic/claude-sonnet-4-6",
	"claude-sonnet-4-6": "anthropic/claude-sonnet-4-6",
	"opus-4.6":          "anthropic/claude-opus-4-6",
	"claude-opus-4-6":   "anthropic/claude-opus-4-6",
	"haiku-4.5":         "anthropic/claude-haiku-4-5",
	"claude-haiku-4-5":  "anthropic/claude-haiku-4-5",
	"gpt-4.1":           "openai/gpt-4.1",
	"gpt-4.1-mini":      "openai/gpt-4.1-mini",
	"o3":                "openai/o3",
	"r1":                "deepseek/deepseek-r1",
	"deepseek-r1":       "deepseek/deepseek-r1",
	"llama-70b":         "meta/llama-3.3-70b-instruct",
	"llama-8b":          "meta/llama-3.1-8b-instruct",
	"gemini-flash":      "google/gemini-2.5-flash",
	"gemini-2.5-flash":  "google/gemini-2.5-flash",
}

// freeModel is the zero-cost fallback used when the wallet is empty.
const freeModel = "meta/llama-3.1-8b-instruct"

// New builds the catalog from the builtin tables, applying any tier
// overrides. An override naming an unknown model is an error — tiers must
// only reference catalogued models.
func New(tierOverrides map[Tier]TierModels) (*Catalog, error) {
	c := &Catalog{
		models:  make(map[string]Model, len(builtinModels)),
		tiers:   make(map[Tier]TierModels, len(builtinTiers)),
		aliases: builtinAliases,
		free:    freeModel,
	}
	for _, m := range builtinModels {
		c.models[m.ID] = m
	}
	for t, tm := range builtinTiers {
		c.tiers[t] = tm
	}
	for t, tm := range tierOverrides {
		if tm.Primary == "" {
			continue
		}
		for _, id := range append([]string{tm.Primary}, tm.Fallbacks...) {
			if _, ok := c.models[id]; !ok {
				return nil, fmt.Errorf("catalog: tier %s references unknown model %q", t, id)
			}
		}
		c.tiers[t] = tm
	}
	return c, nil
}

// MustNew is New without overrides, for tests and defaults.
func MustNew() *Catalog {
	c, err := New(nil)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the descriptor for a canonical model id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	m, ok := c.models[id]
	return m, ok
}

// Resolve normalises a requested model id: the host prefix is stripped,
// shorthand aliases are mapped to canonical ids, and pseudo-models are
// passed through lowercased. The second return reports whether the result is
// a known model or pseudo-model.
func (c *Catalog) Resolve(requested string) (string, bool) {
	id := strings.TrimSpace(requested)
	id = strings.TrimPrefix(id, HostPrefix)
	lower := strings.ToLower(id)

	switch lower {
	case "", ModelAuto:
		return ModelAuto, true
	case ModelFree:
		return c.free, true
	}

	// Tier keywords select the tier's primary at routing time.
	if _, ok := c.tiers[Tier(strings.ToUpper(id))]; ok {
		return strings.ToUpper(id), true
	}

	if canonical, ok := c.aliases[lower]; ok {
		return canonical, true
	}
	if _, ok := c.models[id]; ok {
		return id, true
	}
	return id, false
}

// TierOf returns the candidate list for a tier.
func (c *Catalog) TierOf(t Tier) TierModels {
	return c.tiers[t]
}

// Candidates returns the full ordered attempt chain for a tier:
// primary followed by fallbacks, deduped.
func (c *Catalog) Candidates(t Tier) []string {
	tm := c.tiers[t]
	seen := map[string]bool{tm.Primary: true}
	out := []string{tm.Primary}
	for _, id := range tm.Fallbacks {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// FreeModel returns the zero-cost fallback model id.
func (c *Catalog) FreeModel() string {
	return c.free
}

// Baseline returns the most expensive reasoning-capable model, used as the
// cost baseline for savings accounting.
func (c *Catalog) Baseline() Model {
	var best Model
	for _, m := range c.models {
		if !m.Reasoning {
			continue
		}
		if best.ID == "" || m.OutputCost > best.OutputCost {
			best = m
		}
	}
	return best
}

// CheapestWithWindow returns the cheapest model in tier t (by output cost)
// whose context window fits need. Falls back to the tier candidate order when
// nothing in the tier fits.
func (c *Catalog) CheapestWithWindow(t Tier, need int) (Model, bool) {
	var best Model
	found := false
	for _, id := range c.Candidates(t) {
		m, ok := c.models[id]
		if !ok || m.ContextWindow < need {
			continue
		}
		if !found || m.OutputCost < best.OutputCost {
			best, found = m, true
		}
	}
	return best, found
}

// List renders the catalog as an OpenAI-compatible /v1/models payload.
func (c *Catalog) List() []byte {
	type entry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	created := time.Now().Unix()
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		owner := id
		if i := strings.IndexByte(id, '/'); i > 0 {
			owner = id[:i]
		}
		entries = append(entries, entry{ID: id, Object: "model", Created: created, OwnedBy: owner})
	}

	body, _ := json.Marshal(struct {
		Object string  `json:"object"`
		Data   []entry `json:"data"`
	}{Object: "list", Data: entries})
	return body
}

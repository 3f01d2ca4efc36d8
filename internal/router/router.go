// Package router implements the deterministic prompt classifier that picks
// the cheapest capable model for each request.
//
// Routing is pure computation: no I/O, no clock, no randomness. The same
// input always yields the same decision, which keeps behaviour reproducible
// across retries and makes every decision unit-testable. Scoring a 500-char
// prompt is a handful of substring scans and stays well under a millisecond.
package router

import (
	"fmt"
	"math"
	"strings"

	"github.com/clawrouter/clawrouter/internal/catalog"
)

// charsPerToken is the rough character-per-token heuristic used for both
// feature normalisation and cost estimation.
const charsPerToken = 4

// Method records how a decision was reached.
type Method string

const (
	MethodScored       Method = "scored"
	MethodForced       Method = "forced"
	MethodDefault      Method = "default"
	MethodFreeFallback Method = "free-fallback"
)

// Input carries everything the router is allowed to look at.
type Input struct {
	// Prompt is the concatenated user-role content. Only the first
	// MaxScoreChars are scored.
	Prompt string

	// RequestedModel is the raw model field from the request: an explicit
	// id, an alias, a tier keyword, "auto", or "free".
	RequestedModel string

	HasTools     bool
	MaxTokens    int
	MessageCount int

	// ContextTokens is the estimated token count of the full message array,
	// used for context-window promotion. Zero means "estimate from Prompt".
	ContextTokens int

	// WalletEmpty forces the zero-cost fallback model.
	WalletEmpty bool
}

// Decision is the immutable routing outcome for one request.
type Decision struct {
	Model      string
	Tier       catalog.Tier // empty for explicit-model decisions
	Confidence float64
	Method     Method

	// Candidates is the ordered attempt chain the forwarder walks on
	// upstream failure. Always starts with Model.
	Candidates []string

	CostEstimate float64
	BaselineCost float64
	Savings      float64

	Reasoning string
}

// Config tunes the scorer. Zero values fall back to the defaults below.
type Config struct {
	MaxScoreChars         int
	TokenCountThresholds  [3]int
	Weights               [numDimensions]float64
	TierBoundaries        [3]float64
	ConfidenceSteepness   float64
	ConfidenceThreshold   float64
	AmbiguousDefaultTier  catalog.Tier
	MaxTokensForceComplex int
	StructuredMinTier     catalog.Tier
	Lexicon               Lexicon
}

// DefaultConfig returns the builtin scorer tuning.
func DefaultConfig() Config {
	return Config{
		MaxScoreChars:         500,
		TokenCountThresholds:  [3]int{40, 150, 400},
		Weights:               DefaultWeights,
		TierBoundaries:        [3]float64{0.25, 0.45, 0.65},
		ConfidenceSteepness:   12,
		ConfidenceThreshold:   0.70,
		AmbiguousDefaultTier:  catalog.TierMedium,
		MaxTokensForceComplex: 100_000,
		StructuredMinTier:     catalog.TierMedium,
		Lexicon:               DefaultLexicon(),
	}
}

// Router scores prompts against a model catalog.
type Router struct {
	cfg Config
	cat *catalog.Catalog
}

// New validates cfg and builds a Router. The weight vector must sum to 1.0
// within 1e-9 and tier boundaries must be strictly increasing in (0,1).
func New(cfg Config, cat *catalog.Catalog) (*Router, error) {
	d := DefaultConfig()
	if cfg.MaxScoreChars <= 0 {
		cfg.MaxScoreChars = d.MaxScoreChars
	}
	if cfg.TokenCountThresholds == ([3]int{}) {
		cfg.TokenCountThresholds = d.TokenCountThresholds
	}
	if cfg.Weights == ([numDimensions]float64{}) {
		cfg.Weights = d.Weights
	}
	if cfg.TierBoundaries == ([3]float64{}) {
		cfg.TierBoundaries = d.TierBoundaries
	}
	if cfg.ConfidenceSteepness <= 0 {
		cfg.ConfidenceSteepness = d.ConfidenceSteepness
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if cfg.AmbiguousDefaultTier == "" {
		cfg.AmbiguousDefaultTier = d.AmbiguousDefaultTier
	}
	if cfg.MaxTokensForceComplex <= 0 {
		cfg.MaxTokensForceComplex = d.MaxTokensForceComplex
	}
	if cfg.StructuredMinTier == "" {
		cfg.StructuredMinTier = d.StructuredMinTier
	}
	if len(cfg.Lexicon.ReasoningMarkers) == 0 {
		cfg.Lexicon = d.Lexicon
	}

	sum := 0.0
	for _, w := range cfg.Weights {
		if w < 0 {
			return nil, fmt.Errorf("router: negative dimension weight %v", w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return nil, fmt.Errorf("router: dimension weights sum to %v, want 1.0", sum)
	}

	b := cfg.TierBoundaries
	if !(b[0] > 0 && b[0] < b[1] && b[1] < b[2] && b[2] < 1) {
		return nil, fmt.Errorf("router: tier boundaries %v must be strictly increasing in (0,1)", b)
	}

	return &Router{cfg: cfg, cat: cat}, nil
}

// Route classifies one request. It never performs I/O and never returns a
// partial decision: the error path is reserved for unresolvable model ids.
func (r *Router) Route(in Input) (Decision, error) {
	resolved, known := r.cat.Resolve(in.RequestedModel)
	if !known {
		return Decision{}, fmt.Errorf("router: unknown model %q", in.RequestedModel)
	}

	// 1. Explicit model short-circuits everything.
	if m, ok := r.cat.Lookup(resolved); ok && resolved != catalog.ModelAuto {
		d := Decision{
			Model:      m.ID,
			Confidence: 1.0,
			Method:     MethodForced,
			Candidates: []string{m.ID},
			Reasoning:  "explicit model requested",
		}
		r.account(&d, in)
		return d, nil
	}

	// 2. Wallet empty: a paid send would fail anyway, degrade to the free
	// tier before spending any scoring effort.
	if in.WalletEmpty {
		free := r.cat.FreeModel()
		d := Decision{
			Model:      free,
			Confidence: 1.0,
			Method:     MethodFreeFallback,
			Candidates: []string{free},
			Reasoning:  "wallet empty; using zero-cost fallback model",
		}
		r.account(&d, in)
		return d, nil
	}

	// 3. Tier keyword forces the tier directly.
	if t := catalog.Tier(resolved); isTier(t) {
		return r.tierDecision(in, t, 1.0, MethodForced, "tier requested explicitly"), nil
	}

	// 4. Remaining override rules, first match wins.
	if in.MaxTokens >= r.cfg.MaxTokensForceComplex {
		return r.tierDecision(in, catalog.TierComplex, 1.0, MethodForced,
			fmt.Sprintf("max_tokens %d forces COMPLEX", in.MaxTokens)), nil
	}

	prompt := truncate(in.Prompt, r.cfg.MaxScoreChars)
	lower := strings.ToLower(prompt)

	if in.HasTools || countMatches(lower, r.cfg.Lexicon.OutputFormatHints) >= 2 {
		t := maxTier(r.scoredTier(prompt, in.MessageCount), r.cfg.StructuredMinTier)
		return r.tierDecision(in, t, 0.95, MethodForced, "tools/structured output floor applied"), nil
	}

	if countMatches(lower, r.cfg.Lexicon.ReasoningMarkers) >= 2 {
		return r.tierDecision(in, catalog.TierReasoning, 0.97, MethodForced,
			"multiple reasoning markers present"), nil
	}

	// 5. Empty prompts carry no signal; default cheap.
	if strings.TrimSpace(prompt) == "" {
		return r.tierDecision(in, catalog.TierSimple, 1.0, MethodDefault, "empty prompt"), nil
	}

	// 6. Dimensional scoring.
	features := r.extractFeatures(prompt, in.MessageCount)
	score := r.composite(features)
	tier := r.tierFor(score)
	conf := r.confidence(score)

	if conf < r.cfg.ConfidenceThreshold {
		return r.tierDecision(in, r.cfg.AmbiguousDefaultTier, conf, MethodDefault,
			fmt.Sprintf("score %.3f too close to a tier boundary (confidence %.2f)", score, conf)), nil
	}

	return r.tierDecision(in, tier, conf, MethodScored,
		fmt.Sprintf("score %.3f → %s (confidence %.2f, top: %s)",
			score, tier, conf, topDimension(features))), nil
}

// tierDecision builds a decision for a tier, applying context-window
// promotion and cost accounting.
func (r *Router) tierDecision(in Input, t catalog.Tier, conf float64, method Method, why string) Decision {
	candidates := r.cat.Candidates(t)
	primary := candidates[0]

	// Promote within the tier when the conversation would not fit the
	// primary's context window.
	need := in.ContextTokens
	if need == 0 {
		need = len(in.Prompt) / charsPerToken
	}
	need += in.MaxTokens
	if m, ok := r.cat.Lookup(primary); ok && m.ContextWindow < need {
		if fit, ok := r.cat.CheapestWithWindow(t, need); ok {
			primary = fit.ID
			candidates = reorder(candidates, primary)
			why += fmt.Sprintf("; promoted to %s for context window", primary)
		}
	}

	d := Decision{
		Model:      primary,
		Tier:       t,
		Confidence: conf,
		Method:     method,
		Candidates: candidates,
		Reasoning:  why,
	}
	r.account(&d, in)
	return d
}

// account fills the cost fields against the catalogue's baseline model.
func (r *Router) account(d *Decision, in Input) {
	m, ok := r.cat.Lookup(d.Model)
	if !ok {
		return
	}

	inTokens := in.ContextTokens
	if inTokens == 0 {
		inTokens = len(in.Prompt) / charsPerToken
	}
	outTokens := in.MaxTokens
	if outTokens <= 0 {
		outTokens = 1024
	}
	if m.MaxOutput > 0 && outTokens > m.MaxOutput {
		outTokens = m.MaxOutput
	}

	perM := func(m catalog.Model) float64 {
		return float64(inTokens)/1e6*m.InputCost + float64(outTokens)/1e6*m.OutputCost
	}

	d.CostEstimate = perM(m)
	d.BaselineCost = perM(r.cat.Baseline())
	if d.BaselineCost > 0 {
		d.Savings = clip01(1 - d.CostEstimate/d.BaselineCost)
	}
}

// scoredTier runs the feature scorer without the override rules; used by the
// structured-output floor.
func (r *Router) scoredTier(prompt string, messageCount int) catalog.Tier {
	if strings.TrimSpace(prompt) == "" {
		return catalog.TierSimple
	}
	return r.tierFor(r.composite(r.extractFeatures(prompt, messageCount)))
}

// tierFor places a composite score into a tier. Scores exactly on a boundary
// go to the cheaper side.
func (r *Router) tierFor(score float64) catalog.Tier {
	b := r.cfg.TierBoundaries
	switch {
	case score <= b[0]:
		return catalog.TierSimple
	case score <= b[1]:
		return catalog.TierMedium
	case score <= b[2]:
		return catalog.TierComplex
	default:
		return catalog.TierReasoning
	}
}

// confidence maps boundary distance through a logistic sigmoid. A score on a
// boundary yields 0.5; far from every boundary it approaches 1.
func (r *Router) confidence(score float64) float64 {
	dist := math.Inf(1)
	for _, b := range r.cfg.TierBoundaries {
		if d := math.Abs(score - b); d < dist {
			dist = d
		}
	}
	return 1 / (1 + math.Exp(-r.cfg.ConfidenceSteepness*dist))
}

func topDimension(f featureVector) string {
	best := 0
	for i := 1; i < numDimensions; i++ {
		if f[i] > f[best] {
			best = i
		}
	}
	return dimensionNames[best]
}

func isTier(t catalog.Tier) bool {
	for _, known := range catalog.Tiers {
		if t == known {
			return true
		}
	}
	return false
}

func maxTier(a, b catalog.Tier) catalog.Tier {
	rank := func(t catalog.Tier) int {
		for i, known := range catalog.Tiers {
			if t == known {
				return i
			}
		}
		return 0
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

func reorder(candidates []string, first string) []string {
	out := []string{first}
	for _, id := range candidates {
		if id != first {
			out = append(out, id)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

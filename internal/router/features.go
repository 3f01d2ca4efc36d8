package router

import (
	"strings"
)

// featureVector is the clipped [0,1] score per dimension for one prompt.
type featureVector [numDimensions]float64

// extractFeatures computes the 14-dimension feature vector from the
// truncated, lowercased prompt. messageCount feeds the back-reference
// dimension: long conversations make pronoun-style references more likely.
func (r *Router) extractFeatures(prompt string, messageCount int) featureVector {
	var f featureVector

	lower := strings.ToLower(prompt)
	estTokens := float64(len(prompt)) / charsPerToken

	f[dimTokenCount] = clip01(estTokens / float64(r.cfg.TokenCountThresholds[2]))
	f[dimCodeKeywords] = density(lower, r.cfg.Lexicon.CodeKeywords, 3)
	f[dimReasoningMarkers] = density(lower, r.cfg.Lexicon.ReasoningMarkers, 2)
	f[dimTechnicalTerms] = density(lower, r.cfg.Lexicon.TechnicalTerms, 3)
	f[dimCreativeMarkers] = density(lower, r.cfg.Lexicon.CreativeMarkers, 2)
	f[dimSimpleIndicators] = density(lower, r.cfg.Lexicon.SimpleIndicators, 2)
	f[dimMultiStep] = density(lower, r.cfg.Lexicon.MultiStepPatterns, 3)
	f[dimQuestionComplexity] = questionComplexity(lower)
	f[dimImperativeVerbs] = density(lower, r.cfg.Lexicon.ImperativeVerbs, 3)
	f[dimConstraints] = density(lower, r.cfg.Lexicon.ConstraintIndicators, 3)
	f[dimOutputFormat] = density(lower, r.cfg.Lexicon.OutputFormatHints, 2)
	f[dimBackReference] = backReference(lower, r.cfg.Lexicon.BackReferences, messageCount)
	f[dimNegation] = density(lower, r.cfg.Lexicon.NegationWords, 4)
	f[dimDomainSpecificity] = density(lower, r.cfg.Lexicon.DomainTerms, 2)

	return f
}

// composite is the dot product of the feature vector with the weight vector.
// Weights sum to 1.0 and each feature is clipped to [0,1], so the result is
// guaranteed to stay in [0,1].
func (r *Router) composite(f featureVector) float64 {
	score := 0.0
	for i := 0; i < numDimensions; i++ {
		score += f[i] * r.cfg.Weights[i]
	}
	return clip01(score)
}

// countMatches counts distinct lexicon entries present in the prompt.
// Distinct entries, not occurrences: repeating one marker should not inflate
// the dimension.
func countMatches(lower string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			n++
		}
	}
	return n
}

// density maps a distinct-match count to [0,1]; saturation distinct matches
// pin the dimension at 1.
func density(lower string, words []string, saturation int) float64 {
	if saturation <= 0 {
		saturation = 1
	}
	return clip01(float64(countMatches(lower, words)) / float64(saturation))
}

// questionComplexity scores interrogatives: bare fact questions score low,
// "why"/"how"/comparisons score high.
func questionComplexity(lower string) float64 {
	score := 0.0
	if strings.Contains(lower, "?") {
		score += 0.2
	}
	for _, heavy := range []string{"why ", "how would", "how does", "what if", "compare", "trade-off", "tradeoff"} {
		if strings.Contains(lower, heavy) {
			score += 0.4
		}
	}
	return clip01(score)
}

// backReference blends lexical back-references with conversation depth.
func backReference(lower string, words []string, messageCount int) float64 {
	score := density(lower, words, 2)
	if messageCount > 4 {
		score += 0.25
	}
	return clip01(score)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package router

// Lexicon holds the keyword lists behind the keyword-based scoring
// dimensions. Matching is case-insensitive substring containment against the
// truncated prompt.
type Lexicon struct {
	CodeKeywords         []string
	ReasoningMarkers     []string
	TechnicalTerms       []string
	CreativeMarkers      []string
	SimpleIndicators     []string
	MultiStepPatterns    []string
	ImperativeVerbs      []string
	ConstraintIndicators []string
	OutputFormatHints    []string
	BackReferences       []string
	NegationWords        []string
	DomainTerms          []string
}

// DefaultLexicon returns the builtin keyword lists. Lists can be replaced
// individually from the scoring.*Keywords config options.
func DefaultLexicon() Lexicon {
	return Lexicon{
		CodeKeywords: []string{
			"func ", "def ", "class ", "import ", "return ", "const ", "var ",
			"select ", "insert into", "=>", "#include", "package ", "git ",
			"regex", "compile", "debug", "stack trace", "unit test", "refactor",
			"null pointer", "segfault", "api endpoint", "```",
		},
		ReasoningMarkers: []string{
			"prove", "step by step", "derive", "theorem", "formally",
			"rigorous", "chain of thought", "reason through", "contradiction",
			"induction", "deduce", "axiom", "lemma", "first principles",
			"justify each", "counterexample",
		},
		TechnicalTerms: []string{
			"algorithm", "complexity", "database", "kubernetes", "concurrency",
			"latency", "throughput", "protocol", "encryption", "compiler",
			"distributed", "mutex", "schema", "idempotent", "serialization",
		},
		CreativeMarkers: []string{
			"story", "poem", "creative", "imagine", "fiction", "haiku",
			"lyrics", "brainstorm", "slogan", "joke", "screenplay",
		},
		SimpleIndicators: []string{
			"what is", "who is", "when did", "when was", "define", "translate",
			"capital of", "how many", "meaning of", "convert", "spell",
		},
		MultiStepPatterns: []string{
			"first,", "then,", "after that", "finally", "step 1", "steps:",
			"outline the steps", "in order:", "followed by",
		},
		ImperativeVerbs: []string{
			"write", "create", "build", "implement", "design", "analyze",
			"optimize", "generate", "fix", "summarize", "compare", "evaluate",
		},
		ConstraintIndicators: []string{
			"must", "should", "at least", "no more than", "exactly", "within",
			"limit", "constraint", "without using", "only use",
		},
		OutputFormatHints: []string{
			"json", "table", "markdown", "bullet", "csv", "yaml",
			"format as", "respond with", "output only", "schema",
		},
		BackReferences: []string{
			"the above", "previous", "earlier", "as mentioned", "refer back",
			"that one", "same as before",
		},
		NegationWords: []string{
			"not ", "never", "don't", "do not", "avoid", "except", "unless",
			"no longer", "without",
		},
		DomainTerms: []string{
			"medical", "diagnosis", "legal", "statute", "financial",
			"derivative", "quantum", "genomic", "actuarial", "pharmacology",
			"litigation", "topology", "thermodynamic",
		},
	}
}

// dimension indices into the weight and feature vectors. Order is fixed; the
// weight vector in config must follow it.
const (
	dimTokenCount = iota
	dimCodeKeywords
	dimReasoningMarkers
	dimTechnicalTerms
	dimCreativeMarkers
	dimSimpleIndicators
	dimMultiStep
	dimQuestionComplexity
	dimImperativeVerbs
	dimConstraints
	dimOutputFormat
	dimBackReference
	dimNegation
	dimDomainSpecificity

	numDimensions
)

// dimensionNames is used in reasoning strings and tests.
var dimensionNames = [numDimensions]string{
	"token_count",
	"code_keywords",
	"reasoning_markers",
	"technical_terms",
	"creative_markers",
	"simple_indicators",
	"multi_step",
	"question_complexity",
	"imperative_verbs",
	"constraints",
	"output_format",
	"back_reference",
	"negation",
	"domain_specificity",
}

// DefaultWeights is the builtin 14-dimension weight vector. It sums to 1.0;
// NewRouter rejects replacement vectors that do not.
var DefaultWeights = [numDimensions]float64{
	dimTokenCount:         0.08,
	dimCodeKeywords:       0.12,
	dimReasoningMarkers:   0.15,
	dimTechnicalTerms:     0.09,
	dimCreativeMarkers:    0.07,
	dimSimpleIndicators:   0.05,
	dimMultiStep:          0.10,
	dimQuestionComplexity: 0.07,
	dimImperativeVerbs:    0.06,
	dimConstraints:        0.07,
	dimOutputFormat:       0.04,
	dimBackReference:      0.04,
	dimNegation:           0.03,
	dimDomainSpecificity:  0.03,
}

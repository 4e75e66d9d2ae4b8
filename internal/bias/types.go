package bias

import "regexp"

// Category is a named class of problematic phrasing with its matching rules
// and the neutral phrasings offered in its place.
type Category struct {
	Name         string   `json:"name" yaml:"name" mapstructure:"name"`
	Patterns     []string `json:"patterns" yaml:"patterns" mapstructure:"patterns"`
	Alternatives []string `json:"alternatives" yaml:"alternatives" mapstructure:"alternatives"`
}

// Config is the full rule table an Analyzer is built from
type Config struct {
	Categories []Category `json:"categories"`
	// InclusiveTerms maps a non-inclusive word to its replacement
	InclusiveTerms  map[string]string `json:"inclusive_terms,omitempty"`
	DisableSeverity bool              `json:"disable_severity,omitempty"`
}

// compiledCategory is the read-only form of a Category held by the Analyzer
type compiledCategory struct {
	name         string
	rules        []*regexp.Regexp
	alternatives []string
}

type compiledTerm struct {
	term        string
	replacement string
	pattern     *regexp.Regexp
}

// Match is a single rule hit inside the analyzed text
type Match struct {
	Category string `json:"category"`
	Rule     int    `json:"rule"`
	Text     string `json:"text"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Severity grades how heavily a category was hit
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DetectionResult is the outcome of Detect
type DetectionResult struct {
	HasBias     bool                `json:"has_bias"`
	FoundBiases map[string][]string `json:"found_biases"`
	Suggestions []string            `json:"suggestions"`
	// Categories lists the found categories in configuration order
	Categories []string            `json:"categories,omitempty"`
	Severity   map[string]Severity `json:"severity,omitempty"`
	Matches    []Match             `json:"matches,omitempty"`
}

// Report bundles a detection with the corrected text it produced
type Report struct {
	Result    DetectionResult `json:"result"`
	Corrected string          `json:"corrected_text"`
}

// TermSuggestion proposes an inclusive replacement for a single word
type TermSuggestion struct {
	Term        string `json:"term"`
	Replacement string `json:"replacement"`
	Count       int    `json:"count"`
}

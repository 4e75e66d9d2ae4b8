// Package bias classifies free text into bias categories using
// case-insensitive pattern rules and rewrites text by annotating every
// flagged span with a neutral alternative.
//
// An Analyzer is immutable once built and safe for concurrent use.
package bias

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Analyzer detects and corrects biased phrasing
type Analyzer struct {
	categories      []compiledCategory
	annotations     map[string]string
	terms           []compiledTerm
	disableSeverity bool
	config          Config
	fingerprint     string
}

// New compiles cfg into an Analyzer. The configuration is copied, so later
// changes to cfg do not affect the analyzer.
func New(cfg Config) (*Analyzer, error) {
	if len(cfg.Categories) == 0 {
		return nil, fmt.Errorf("%w: no categories configured", ErrInvalidConfig)
	}

	a := &Analyzer{
		categories:      make([]compiledCategory, 0, len(cfg.Categories)),
		annotations:     make(map[string]string, len(cfg.Categories)),
		disableSeverity: cfg.DisableSeverity,
		config:          cloneConfig(cfg),
	}

	for _, cat := range a.config.Categories {
		if strings.TrimSpace(cat.Name) == "" {
			return nil, fmt.Errorf("%w: category without a name", ErrInvalidConfig)
		}
		if _, dup := a.annotations[cat.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate category %q", ErrInvalidConfig, cat.Name)
		}
		if len(cat.Patterns) == 0 {
			return nil, fmt.Errorf("%w: category %q has no patterns", ErrInvalidConfig, cat.Name)
		}
		if len(cat.Alternatives) == 0 {
			return nil, fmt.Errorf("%w: category %q has no alternatives", ErrInvalidConfig, cat.Name)
		}

		compiled := compiledCategory{
			name:         cat.Name,
			rules:        make([]*regexp.Regexp, 0, len(cat.Patterns)),
			alternatives: cat.Alternatives,
		}
		for i, pattern := range cat.Patterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: category %q rule %d: %v", ErrInvalidConfig, cat.Name, i, err)
			}
			compiled.rules = append(compiled.rules, re)
		}

		a.categories = append(a.categories, compiled)
		a.annotations[cat.Name] = " (" + cat.Alternatives[0] + AnnotationSuffix
	}

	terms := make([]string, 0, len(a.config.InclusiveTerms))
	for term := range a.config.InclusiveTerms {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	for _, term := range terms {
		if strings.TrimSpace(term) == "" {
			continue
		}
		a.terms = append(a.terms, compiledTerm{
			term:        strings.ToLower(term),
			replacement: a.config.InclusiveTerms[term],
			pattern:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`),
		})
	}

	a.fingerprint = fingerprintOf(a.config, terms)
	return a, nil
}

// Detect classifies text. It fails only with ErrInvalidInput, for text that
// is not valid UTF-8.
func (a *Analyzer) Detect(text string) (DetectionResult, error) {
	if !utf8.ValidString(text) {
		return DetectionResult{}, fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidInput)
	}
	return a.detect(text), nil
}

func (a *Analyzer) detect(text string) DetectionResult {
	result := DetectionResult{
		FoundBiases: make(map[string][]string),
		Suggestions: []string{},
	}
	if text == "" {
		return result
	}

	suggestions := make(map[string]struct{})
	for _, cat := range a.categories {
		var found []string
		for i, rule := range cat.rules {
			for _, loc := range rule.FindAllStringIndex(text, -1) {
				if loc[0] == loc[1] {
					continue
				}
				lowered := strings.ToLower(text[loc[0]:loc[1]])
				found = append(found, lowered)
				result.Matches = append(result.Matches, Match{
					Category: cat.name,
					Rule:     i,
					Text:     lowered,
					Start:    loc[0],
					End:      loc[1],
				})
			}
		}
		if len(found) == 0 {
			continue
		}

		result.HasBias = true
		result.FoundBiases[cat.name] = found
		result.Categories = append(result.Categories, cat.name)
		if !a.disableSeverity {
			if result.Severity == nil {
				result.Severity = make(map[string]Severity)
			}
			result.Severity[cat.name] = severityFor(len(found))
		}
		for _, alt := range cat.alternatives {
			suggestions[alt] = struct{}{}
		}
	}

	for s := range suggestions {
		result.Suggestions = append(result.Suggestions, s)
	}
	sort.Strings(result.Suggestions)
	return result
}

// Correct returns text with every flagged span annotated. Text without
// bias is returned unchanged.
func (a *Analyzer) Correct(text string) (string, error) {
	report, err := a.Analyze(text)
	if err != nil {
		return "", err
	}
	return report.Corrected, nil
}

// Analyze runs Detect and Correct over a single scan of text
func (a *Analyzer) Analyze(text string) (Report, error) {
	result, err := a.Detect(text)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Result:    result,
		Corrected: a.rewrite(text, result.Matches),
	}, nil
}

// InclusiveTerms reports whole-word uses of non-inclusive terms in text
func (a *Analyzer) InclusiveTerms(text string) []TermSuggestion {
	var out []TermSuggestion
	for _, t := range a.terms {
		n := len(t.pattern.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		out = append(out, TermSuggestion{Term: t.term, Replacement: t.replacement, Count: n})
	}
	return out
}

// Categories returns the configured category names in evaluation order
func (a *Analyzer) Categories() []string {
	names := make([]string, len(a.categories))
	for i, cat := range a.categories {
		names[i] = cat.name
	}
	return names
}

// Rules returns the number of compiled pattern rules
func (a *Analyzer) Rules() int {
	n := 0
	for _, cat := range a.categories {
		n += len(cat.rules)
	}
	return n
}

// Config returns a copy of the configuration the analyzer was built from
func (a *Analyzer) Config() Config {
	return cloneConfig(a.config)
}

// Fingerprint identifies the active rule table. Two analyzers built from
// equal configurations share a fingerprint.
func (a *Analyzer) Fingerprint() string {
	return a.fingerprint
}

func cloneConfig(cfg Config) Config {
	out := Config{
		Categories:      make([]Category, len(cfg.Categories)),
		DisableSeverity: cfg.DisableSeverity,
	}
	for i, cat := range cfg.Categories {
		out.Categories[i] = Category{
			Name:         cat.Name,
			Patterns:     append([]string(nil), cat.Patterns...),
			Alternatives: append([]string(nil), cat.Alternatives...),
		}
	}
	if cfg.InclusiveTerms != nil {
		out.InclusiveTerms = make(map[string]string, len(cfg.InclusiveTerms))
		for k, v := range cfg.InclusiveTerms {
			out.InclusiveTerms[k] = v
		}
	}
	return out
}

func fingerprintOf(cfg Config, sortedTerms []string) string {
	h := sha256.New()
	for _, cat := range cfg.Categories {
		fmt.Fprintf(h, "c:%s\n", cat.Name)
		for _, p := range cat.Patterns {
			fmt.Fprintf(h, "p:%s\n", p)
		}
		for _, alt := range cat.Alternatives {
			fmt.Fprintf(h, "a:%s\n", alt)
		}
	}
	for _, term := range sortedTerms {
		fmt.Fprintf(h, "t:%s=%s\n", term, cfg.InclusiveTerms[term])
	}
	fmt.Fprintf(h, "s:%t\n", cfg.DisableSeverity)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

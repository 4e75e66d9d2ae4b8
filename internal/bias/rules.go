package bias

// Built-in category identifiers
const (
	CategoryGender     = "gender_bias"
	CategoryStereotype = "stereotype_bias"
)

// AnnotationSuffix closes every annotation inserted by Correct
const AnnotationSuffix = " was flagged as potentially biased)"

// DefaultConfig returns the built-in rule table
func DefaultConfig() Config {
	return Config{
		Categories: []Category{
			{
				Name: CategoryGender,
				Patterns: []string{
					`\b(?:only|just|better)\s+(?:men|women)\b`,
					`\b(?:male|female)[\s-]+dominated\b`,
					`\b(?:he|she)\s+would\s+be\s+better\b`,
					`\b(?:men|women)\s+(?:can't|can’t|cannot|shouldn't|shouldn’t)\b`,
				},
				Alternatives: []string{
					"All qualified candidates are welcome",
					"Skills and experience are what matter",
					"We value diversity and inclusion",
				},
			},
			{
				Name: CategoryStereotype,
				Patterns: []string{
					`\b(?:typical(?:ly)?|usually|always)\s+(?:an?\s+)?(?:male|female)\s+(?:jobs?|roles?|positions?)\b`,
				},
				Alternatives: []string{
					"Every individual brings unique value",
					"Success is based on merit and dedication",
					"Opportunities are open to all qualified professionals",
				},
			},
		},
		InclusiveTerms: map[string]string{
			"chairman":    "chairperson",
			"businessman": "business person",
			"policeman":   "police officer",
			"stewardess":  "flight attendant",
			"mankind":     "humanity",
			"manpower":    "workforce",
			"salesman":    "salesperson",
		},
	}
}

// severityFor grades a category by how many times it matched
func severityFor(count int) Severity {
	switch {
	case count >= 7:
		return SeverityCritical
	case count >= 5:
		return SeverityHigh
	case count >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities from 1 (low) to 4 (critical). Unknown values rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the highest severity recorded in a result, or "" when
// nothing was graded.
func (r DetectionResult) MaxSeverity() Severity {
	var top Severity
	for _, s := range r.Severity {
		if severityRank[s] > severityRank[top] {
			top = s
		}
	}
	return top
}

package scan

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/raaihank/bias-sentinel/internal/bias"
)

// Record is one input row
type Record struct {
	ID   string `parquet:"id" json:"id"`
	Text string `parquet:"text" json:"text"`
}

// Result is one output line
type Result struct {
	ID             string                   `json:"id"`
	HasBias        bool                     `json:"has_bias"`
	Categories     []string                 `json:"categories,omitempty"`
	FoundBiases    map[string][]string      `json:"found_biases,omitempty"`
	Severity       map[string]bias.Severity `json:"severity,omitempty"`
	CorrectedText  string                   `json:"corrected_text,omitempty"`
	InclusiveTerms []bias.TermSuggestion    `json:"inclusive_terms,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

// Summary describes a finished scan
type Summary struct {
	Records    int64            `json:"records"`
	Flagged    int64            `json:"flagged"`
	Clean      int64            `json:"clean"`
	Invalid    int64            `json:"invalid"`
	Categories map[string]int64 `json:"categories"`
	Duration   time.Duration    `json:"duration"`
	Errors     []string         `json:"errors,omitempty"`
}

// Config contains scanner configuration
type Config struct {
	BatchSize      int  `yaml:"batch_size" mapstructure:"batch_size"`
	WorkerCount    int  `yaml:"worker_count" mapstructure:"worker_count"`
	ProgressReport int  `yaml:"progress_report" mapstructure:"progress_report"`
	FlaggedOnly    bool `yaml:"flagged_only" mapstructure:"flagged_only"`
}

// maxReportedErrors caps Summary.Errors
const maxReportedErrors = 100

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension. Unknown extensions
// are read as CSV.
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL
	default:
		return FormatCSV
	}
}

// ParseFormat accepts an explicit format name
func ParseFormat(name string) (FileFormat, bool) {
	switch f := FileFormat(strings.ToLower(name)); f {
	case FormatCSV, FormatParquet, FormatJSONL:
		return f, true
	case "json", "ndjson":
		return FormatJSONL, true
	default:
		return "", false
	}
}

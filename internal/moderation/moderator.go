// Package moderation runs the bias analyzer for the service and the batch
// scanner, wiring in caching, incident recording, live events and metrics.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/bias-sentinel/internal/bias"
	"github.com/raaihank/bias-sentinel/internal/config"
	"github.com/raaihank/bias-sentinel/internal/incident"
	"github.com/raaihank/bias-sentinel/internal/logger"
	"github.com/raaihank/bias-sentinel/internal/metrics"
	"github.com/raaihank/bias-sentinel/internal/websocket"
)

// Operation names used in metrics and events
const (
	OperationDetect  = "detect"
	OperationCorrect = "correct"
)

// ErrTextTooLarge is returned for texts longer than the configured limit
var ErrTextTooLarge = &bias.Error{Type: "text_too_large", Message: "text exceeds the maximum size", Code: 1003}

// ResultCache stores serialized outcomes keyed by rule fingerprint and text
type ResultCache interface {
	Key(fingerprint, text string) string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte) error
}

// IncidentRecorder persists biased texts
type IncidentRecorder interface {
	Record(ctx context.Context, inc *incident.Incident) error
}

// EventBroadcaster publishes detections to live subscribers
type EventBroadcaster interface {
	BroadcastDetection(requestID string, detection websocket.BiasDetectionEvent)
}

// Outcome is the result of one moderation call
type Outcome struct {
	Result         bias.DetectionResult  `json:"result"`
	Corrected      string                `json:"corrected_text"`
	InclusiveTerms []bias.TermSuggestion `json:"inclusive_terms,omitempty"`
	Fingerprint    string                `json:"fingerprint"`
	CacheHit       bool                  `json:"-"`
}

// Options carries the optional collaborators of a Moderator
type Options struct {
	Config    config.ModerationConfig
	Cache     ResultCache
	Incidents IncidentRecorder
	Events    EventBroadcaster
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// Moderator is safe for concurrent use. The analyzer can be swapped at any
// time with Reload; in-flight calls finish on the analyzer they started with.
type Moderator struct {
	analyzer atomic.Pointer[bias.Analyzer]
	opts     Options
	logger   *logger.Logger
}

// New creates a Moderator around analyzer
func New(analyzer *bias.Analyzer, opts Options) *Moderator {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	m := &Moderator{
		opts:   opts,
		logger: opts.Logger.WithComponent("moderation"),
	}
	m.analyzer.Store(analyzer)
	m.observeRules(analyzer)
	return m
}

// AnalyzerFromConfig builds an analyzer from the bias section of the
// configuration. An empty category list keeps the built-in categories and a
// nil term map keeps the built-in inclusive terms.
func AnalyzerFromConfig(cfg config.BiasConfig) (*bias.Analyzer, error) {
	bc := bias.DefaultConfig()
	if len(cfg.Categories) > 0 {
		bc.Categories = make([]bias.Category, len(cfg.Categories))
		for i, cat := range cfg.Categories {
			bc.Categories[i] = bias.Category{
				Name:         cat.Name,
				Patterns:     cat.Patterns,
				Alternatives: cat.Alternatives,
			}
		}
	}
	if cfg.InclusiveTerms != nil {
		bc.InclusiveTerms = cfg.InclusiveTerms
	}
	bc.DisableSeverity = cfg.DisableSeverity
	return bias.New(bc)
}

// Analyzer returns the active analyzer
func (m *Moderator) Analyzer() *bias.Analyzer {
	return m.analyzer.Load()
}

// Reload swaps in an analyzer built from cfg. On error the active analyzer
// is left untouched.
func (m *Moderator) Reload(cfg config.BiasConfig) error {
	next, err := AnalyzerFromConfig(cfg)
	if err != nil {
		m.countReload("failed")
		m.logger.Warn("Rule reload rejected", zap.Error(err))
		return err
	}

	prev := m.analyzer.Swap(next)
	m.countReload("ok")
	m.observeRules(next)
	m.logger.Info("Rules reloaded",
		zap.String("previous_fingerprint", prev.Fingerprint()),
		zap.String("fingerprint", next.Fingerprint()),
		zap.Strings("categories", next.Categories()))
	return nil
}

// Detect classifies text
func (m *Moderator) Detect(ctx context.Context, text, source string) (*Outcome, error) {
	return m.run(ctx, OperationDetect, text, source)
}

// Correct classifies text and returns the annotated rewrite
func (m *Moderator) Correct(ctx context.Context, text, source string) (*Outcome, error) {
	return m.run(ctx, OperationCorrect, text, source)
}

func (m *Moderator) run(ctx context.Context, operation, text, source string) (*Outcome, error) {
	if limit := m.opts.Config.MaxTextBytes; limit > 0 && len(text) > limit {
		m.countAnalysis(operation, "rejected")
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTextTooLarge, len(text), limit)
	}

	analyzer := m.analyzer.Load()
	start := time.Now()

	outcome, err := m.analyze(ctx, analyzer, text)
	if err != nil {
		m.countAnalysis(operation, "invalid")
		return nil, err
	}
	elapsed := time.Since(start)

	if m.opts.Metrics != nil {
		m.opts.Metrics.AnalysisDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	}
	if !outcome.Result.HasBias {
		m.countAnalysis(operation, "clean")
		return outcome, nil
	}

	m.countAnalysis(operation, "biased")
	if m.opts.Metrics != nil {
		for name, found := range outcome.Result.FoundBiases {
			m.opts.Metrics.DetectionsTotal.WithLabelValues(name).Add(float64(len(found)))
		}
	}

	requestID := logger.RequestIDFromContext(ctx)
	log := m.logger
	if requestID != "" {
		log = log.WithRequestID(requestID)
	}
	log.Info("Bias detected",
		zap.String("operation", operation),
		zap.String("source", source),
		zap.Strings("categories", outcome.Result.Categories),
		zap.Int("matches", len(outcome.Result.Matches)),
		zap.Bool("cache_hit", outcome.CacheHit))

	m.record(ctx, log, text, source, outcome)
	m.broadcast(requestID, operation, source, outcome, elapsed)
	return outcome, nil
}

// analyze consults the cache before running the analyzer. Cache failures
// degrade to a direct analysis.
func (m *Moderator) analyze(ctx context.Context, analyzer *bias.Analyzer, text string) (*Outcome, error) {
	var key string
	if m.opts.Cache != nil {
		key = m.opts.Cache.Key(analyzer.Fingerprint(), text)
		payload, ok, err := m.opts.Cache.Get(ctx, key)
		switch {
		case err != nil:
			m.countCache("error")
			m.logger.Warn("Result cache lookup failed", zap.Error(err))
		case ok:
			var cached Outcome
			if err := json.Unmarshal(payload, &cached); err == nil {
				m.countCache("hit")
				cached.CacheHit = true
				return &cached, nil
			}
			m.countCache("corrupt")
		default:
			m.countCache("miss")
		}
	}

	report, err := analyzer.Analyze(text)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{
		Result:         report.Result,
		Corrected:      report.Corrected,
		InclusiveTerms: analyzer.InclusiveTerms(text),
		Fingerprint:    analyzer.Fingerprint(),
	}

	if m.opts.Cache != nil {
		if payload, err := json.Marshal(outcome); err == nil {
			if err := m.opts.Cache.Set(ctx, key, payload); err != nil {
				m.logger.Warn("Result cache store failed", zap.Error(err))
			}
		}
	}
	return outcome, nil
}

func (m *Moderator) record(ctx context.Context, log *logger.Logger, text, source string, outcome *Outcome) {
	if m.opts.Incidents == nil || !m.opts.Config.RecordIncidents {
		return
	}
	inc := incident.FromResult(source, text, outcome.Result, outcome.Fingerprint, m.opts.Config.StoreText)
	if err := m.opts.Incidents.Record(ctx, inc); err != nil {
		m.countIncident("failed")
		log.Warn("Failed to record incident", zap.Error(err))
		return
	}
	m.countIncident("recorded")
}

func (m *Moderator) broadcast(requestID, operation, source string, outcome *Outcome, elapsed time.Duration) {
	if m.opts.Events == nil || !m.opts.Config.BroadcastEvents {
		return
	}
	m.opts.Events.BroadcastDetection(requestID, websocket.BiasDetectionEvent{
		Source:       source,
		Operation:    operation,
		Categories:   outcome.Result.Categories,
		FoundBiases:  outcome.Result.FoundBiases,
		Severity:     outcome.Result.Severity,
		MaxSeverity:  outcome.Result.MaxSeverity(),
		TotalMatches: len(outcome.Result.Matches),
		Fingerprint:  outcome.Fingerprint,
		ProcessingMS: float64(elapsed.Microseconds()) / 1000,
	})
}

func (m *Moderator) observeRules(a *bias.Analyzer) {
	if m.opts.Metrics == nil {
		return
	}
	m.opts.Metrics.RulesActive.Set(float64(a.Rules()))
}

func (m *Moderator) countAnalysis(operation, outcome string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.AnalysesTotal.WithLabelValues(operation, outcome).Inc()
	}
}

func (m *Moderator) countCache(result string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (m *Moderator) countIncident(status string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.IncidentsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Moderator) countReload(status string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.ReloadsTotal.WithLabelValues(status).Inc()
	}
}

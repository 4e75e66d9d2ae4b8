package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/bias-sentinel/internal/bias"
	"github.com/raaihank/bias-sentinel/internal/logger"
	"github.com/raaihank/bias-sentinel/internal/moderation"
	"github.com/raaihank/bias-sentinel/internal/websocket"
)

// bodyOverhead is the room left for JSON framing around the text field
const bodyOverhead = 4096

// maxEscapeFactor bounds how much JSON escaping can grow a text: a single
// control byte becomes a six byte \uXXXX escape. The moderator enforces the
// real limit on the decoded text.
const maxEscapeFactor = 6

// TextRequest is the body of the detect and correct endpoints
type TextRequest struct {
	Text   *string `json:"text"`
	Source string  `json:"source,omitempty"`
}

// DetectResponse is returned by POST /v1/bias/detect
type DetectResponse struct {
	bias.DetectionResult
	InclusiveTerms []bias.TermSuggestion `json:"inclusive_terms"`
	Fingerprint    string                `json:"fingerprint"`
	Cached         bool                  `json:"cached"`
}

// CorrectResponse is returned by POST /v1/bias/correct
type CorrectResponse struct {
	CorrectedText string `json:"corrected_text"`
	Changed       bool   `json:"changed"`
	DetectResponse
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	analyzer := s.moderator.Analyzer()
	cfg := analyzer.Config()

	info := map[string]interface{}{
		"name":              "bias-sentinel",
		"version":           s.version,
		"uptime":            time.Since(s.startedAt).Round(time.Second).String(),
		"categories":        analyzer.Categories(),
		"rules":             analyzer.Rules(),
		"inclusive_terms":   len(cfg.InclusiveTerms),
		"severity_enabled":  !cfg.DisableSeverity,
		"fingerprint":       analyzer.Fingerprint(),
		"max_text_bytes":    s.config.Moderation.MaxTextBytes,
		"cache_enabled":     s.cache != nil,
		"incidents_enabled": s.incidents != nil,
	}
	if s.hub != nil {
		info["websocket"] = s.hub.GetStats()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeText(w, r)
	if !ok {
		return
	}

	out, err := s.moderator.Detect(r.Context(), *req.Text, req.Source)
	if err != nil {
		s.writeModerationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detectResponse(out))
}

func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeText(w, r)
	if !ok {
		return
	}

	out, err := s.moderator.Correct(r.Context(), *req.Text, req.Source)
	if err != nil {
		s.writeModerationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CorrectResponse{
		CorrectedText:  out.Corrected,
		Changed:        out.Corrected != *req.Text,
		DetectResponse: detectResponse(out),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reloadBias == nil {
		s.writeError(w, r, http.StatusNotImplemented, "reload_unavailable", "configuration reload is not configured")
		return
	}

	cfg, err := s.reloadBias()
	if err != nil {
		s.logger.Warn("Failed to read configuration for reload", zap.Error(err))
		s.writeError(w, r, http.StatusBadRequest, bias.ErrInvalidConfig.Type, err.Error())
		return
	}
	if err := s.moderator.Reload(cfg); err != nil {
		s.writeModerationError(w, r, err)
		return
	}

	analyzer := s.moderator.Analyzer()
	if s.hub != nil {
		s.hub.BroadcastEvent(websocket.Event{
			Type:      websocket.EventTypeSystemStatus,
			RequestID: logger.RequestIDFromContext(r.Context()),
			Data: websocket.SystemStatusEvent{
				Status:           "rules_reloaded",
				Uptime:           time.Since(s.startedAt).Round(time.Second).String(),
				Fingerprint:      analyzer.Fingerprint(),
				ActiveRules:      analyzer.Rules(),
				ConnectedClients: int(s.hub.GetStats().ActiveConnections),
			},
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "reloaded",
		"fingerprint": analyzer.Fingerprint(),
		"categories":  analyzer.Categories(),
	})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.incidents == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "incidents_unavailable", "incident store is not enabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	list, err := s.incidents.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list incidents", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list incidents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": list, "count": len(list)})
}

func (s *Server) handleIncidentStats(w http.ResponseWriter, r *http.Request) {
	if s.incidents == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "incidents_unavailable", "incident store is not enabled")
		return
	}

	counts, err := s.incidents.CountByCategory(r.Context())
	if err != nil {
		s.logger.Error("Failed to count incidents", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to count incidents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"categories": counts})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "cache_unavailable", "result cache is not enabled")
		return
	}

	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to read cache stats", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to read cache stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "cache_unavailable", "result cache is not enabled")
		return
	}

	if err := s.cache.Clear(r.Context()); err != nil {
		s.logger.Error("Failed to clear cache", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to clear cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// decodeText reads a TextRequest. An absent or null text is invalid input.
func (s *Server) decodeText(w http.ResponseWriter, r *http.Request) (*TextRequest, bool) {
	limit := int64(s.config.Moderation.MaxTextBytes)*maxEscapeFactor + bodyOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req TextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, moderation.ErrTextTooLarge.Type, "request body too large")
			return nil, false
		}
		s.writeError(w, r, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return nil, false
	}
	if req.Text == nil {
		s.writeError(w, r, http.StatusBadRequest, bias.ErrInvalidInput.Type, "text is required")
		return nil, false
	}
	return &req, true
}

func (s *Server) writeModerationError(w http.ResponseWriter, r *http.Request, err error) {
	var typed *bias.Error
	switch {
	case errors.Is(err, moderation.ErrTextTooLarge):
		s.writeError(w, r, http.StatusRequestEntityTooLarge, moderation.ErrTextTooLarge.Type, err.Error())
	case errors.Is(err, bias.ErrInvalidInput), errors.Is(err, bias.ErrInvalidConfig):
		errors.As(err, &typed)
		s.writeError(w, r, http.StatusBadRequest, typed.Type, err.Error())
	default:
		s.logger.Error("Moderation failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, errType, message string) {
	var body errorBody
	body.Error.Type = errType
	body.Error.Message = message
	body.RequestID = logger.RequestIDFromContext(r.Context())
	writeJSON(w, status, body)
}

func detectResponse(out *moderation.Outcome) DetectResponse {
	terms := out.InclusiveTerms
	if terms == nil {
		terms = []bias.TermSuggestion{}
	}
	return DetectResponse{
		DetectionResult: out.Result,
		InclusiveTerms:  terms,
		Fingerprint:     out.Fingerprint,
		Cached:          out.CacheHit,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

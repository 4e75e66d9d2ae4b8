package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/bias-sentinel/internal/bias"
	"github.com/raaihank/bias-sentinel/internal/cache"
	"github.com/raaihank/bias-sentinel/internal/config"
	"github.com/raaihank/bias-sentinel/internal/incident"
	"github.com/raaihank/bias-sentinel/internal/metrics"
	"github.com/raaihank/bias-sentinel/internal/moderation"
)

type stubIncidents struct {
	list   []*incident.Incident
	counts []incident.CategoryCount
	err    error
	limit  int
}

func (s *stubIncidents) Recent(_ context.Context, limit int) ([]*incident.Incident, error) {
	s.limit = limit
	return s.list, s.err
}

func (s *stubIncidents) CountByCategory(context.Context) ([]incident.CategoryCount, error) {
	return s.counts, s.err
}

type stubCache struct {
	cleared bool
	err     error
}

func (s *stubCache) Stats(context.Context) (*cache.Stats, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &cache.Stats{Hits: 3, Misses: 1, HitRate: 75}, nil
}

func (s *stubCache) Clear(context.Context) error {
	s.cleared = true
	return s.err
}

func newTestServer(t *testing.T, mutate func(*config.Config, *Options)) *Server {
	t.Helper()
	cfg := config.GetDefaults()
	cfg.RateLimit.Enabled = false

	a, err := bias.New(bias.DefaultConfig())
	require.NoError(t, err)

	opts := Options{Config: cfg, Version: "test", Metrics: metrics.New()}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	opts.Moderator = moderation.New(a, moderation.Options{Config: cfg.Moderation, Metrics: opts.Metrics})

	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestDetectEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("Biased", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":"Only men can be good leaders"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

		var resp DetectResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.HasBias)
		assert.Equal(t, []string{"only men"}, resp.FoundBiases[bias.CategoryGender])
		assert.Len(t, resp.Suggestions, 3)
		assert.Equal(t, bias.SeverityLow, resp.Severity[bias.CategoryGender])
		assert.NotEmpty(t, resp.Fingerprint)
	})

	t.Run("CleanHasEmptyCollections", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":"She is a great engineer"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode(t, rec)
		assert.Equal(t, false, body["has_bias"])
		assert.Equal(t, map[string]interface{}{}, body["found_biases"])
		assert.Equal(t, []interface{}{}, body["suggestions"])
		assert.Equal(t, []interface{}{}, body["inclusive_terms"])
	})

	t.Run("EmptyText", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":""}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, decode(t, rec)["has_bias"])
	})

	t.Run("MissingText", func(t *testing.T) {
		for _, body := range []string{`{}`, `{"text":null}`} {
			rec := do(t, s, http.MethodPost, "/v1/bias/detect", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
			errBody := decode(t, rec)["error"].(map[string]interface{})
			assert.Equal(t, "invalid_input", errBody["type"])
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/bias/detect", `not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, decode(t, rec)["request_id"])
	})

	t.Run("InvalidUTF8IsReplaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/bias/detect", bytes.NewReader([]byte("{\"text\":\"only men \xff\"}")))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		// the JSON decoder substitutes U+FFFD for invalid bytes
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decode(t, rec)["has_bias"])
	})

	t.Run("WrongMethod", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/bias/detect", "")
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
		errBody := decode(t, rec)["error"].(map[string]interface{})
		assert.Equal(t, "method_not_allowed", errBody["type"])
	})
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)

	cases := []struct {
		method, path, allow string
	}{
		{http.MethodGet, "/v1/bias/correct", http.MethodPost},
		{http.MethodPut, "/v1/bias/reload", http.MethodPost},
		{http.MethodPost, "/v1/bias/incidents", http.MethodGet},
		{http.MethodDelete, "/v1/bias/incidents/stats", http.MethodGet},
		{http.MethodPost, "/v1/bias/cache/stats", http.MethodGet},
		{http.MethodGet, "/v1/bias/cache", http.MethodDelete},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := do(t, s, tc.method, tc.path, "")
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			assert.Equal(t, tc.allow, rec.Header().Get("Allow"))
		})
	}

	t.Run("UnknownPath", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/bias/unknown", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTextTooLarge(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, _ *Options) {
		cfg.Moderation.MaxTextBytes = 16
	})

	rec := do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":"`+strings.Repeat("a", 17)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":"`+strings.Repeat("a", 2*bodyOverhead)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	t.Run("EscapedTextWithinLimit", func(t *testing.T) {
		// 16 bytes of text, 96 bytes on the wire
		rec := do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":"`+strings.Repeat(`\u0001`, 16)+`"}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":"`+strings.Repeat(`\u0001`, 17)+`"}`)
		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		errBody := decode(t, rec)["error"].(map[string]interface{})
		assert.Equal(t, "text_too_large", errBody["type"])
	})
}

func TestCorrectEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/v1/bias/correct", `{"text":"This is typically a male job","source":"docs"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CorrectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)
	assert.True(t, resp.HasBias)
	assert.Equal(t,
		"This is typically a male job (Every individual brings unique value"+bias.AnnotationSuffix,
		resp.CorrectedText)

	rec = do(t, s, http.MethodPost, "/v1/bias/correct", `{"text":"Hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Changed)
	assert.Equal(t, "Hello", resp.CorrectedText)
}

func TestReloadEndpoint(t *testing.T) {
	t.Run("NotConfigured", func(t *testing.T) {
		s := newTestServer(t, nil)
		rec := do(t, s, http.MethodPost, "/v1/bias/reload", "")
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("Valid", func(t *testing.T) {
		s := newTestServer(t, func(_ *config.Config, opts *Options) {
			opts.ReloadBias = func() (config.BiasConfig, error) {
				return config.BiasConfig{Categories: []config.CategoryConfig{{
					Name:         "age_bias",
					Patterns:     []string{`\btoo old\b`},
					Alternatives: []string{"Experience is valued at every age"},
				}}}, nil
			}
		})

		rec := do(t, s, http.MethodPost, "/v1/bias/reload", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []interface{}{"age_bias"}, decode(t, rec)["categories"])

		rec = do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":"too old to learn"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decode(t, rec)["has_bias"])
	})

	t.Run("InvalidRules", func(t *testing.T) {
		s := newTestServer(t, func(_ *config.Config, opts *Options) {
			opts.ReloadBias = func() (config.BiasConfig, error) {
				return config.BiasConfig{Categories: []config.CategoryConfig{{Name: "x", Patterns: []string{"("}, Alternatives: []string{"y"}}}}, nil
			}
		})
		before := s.moderator.Analyzer().Fingerprint()

		rec := do(t, s, http.MethodPost, "/v1/bias/reload", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, before, s.moderator.Analyzer().Fingerprint())
	})

	t.Run("ReadFailure", func(t *testing.T) {
		s := newTestServer(t, func(_ *config.Config, opts *Options) {
			opts.ReloadBias = func() (config.BiasConfig, error) {
				return config.BiasConfig{}, errors.New("bad yaml")
			}
		})
		rec := do(t, s, http.MethodPost, "/v1/bias/reload", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestIncidentEndpoints(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		s := newTestServer(t, nil)
		assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/v1/bias/incidents", "").Code)
		assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/v1/bias/incidents/stats", "").Code)
	})

	stub := &stubIncidents{
		list:   []*incident.Incident{{ID: "a", Categories: []string{bias.CategoryGender}}},
		counts: []incident.CategoryCount{{Category: bias.CategoryGender, Count: 3}},
	}
	s := newTestServer(t, func(_ *config.Config, opts *Options) { opts.Incidents = stub })

	rec := do(t, s, http.MethodGet, "/v1/bias/incidents?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, stub.limit)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/bias/incidents?limit=0", "").Code)

	rec = do(t, s, http.MethodGet, "/v1/bias/incidents/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":3`)

	stub.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/v1/bias/incidents", "").Code)
}

func TestHealthInfoMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	rec = do(t, s, http.MethodGet, "/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode(t, rec)
	assert.Equal(t, []interface{}{bias.CategoryGender, bias.CategoryStereotype}, info["categories"])
	assert.Equal(t, float64(5), info["rules"])
	assert.Equal(t, s.moderator.Analyzer().Fingerprint(), info["fingerprint"])

	do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":"only men"}`)
	rec = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `bias_sentinel_detections_total{category="gender_bias"} 1`)
	assert.Contains(t, body, `route="/v1/bias/detect"`)
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, _ *Options) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerSecond = 0.001
		cfg.RateLimit.Burst = 2
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":"x"}`).Code)
	}
	rec := do(t, s, http.MethodPost, "/v1/bias/detect", `{"text":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// health checks are not limited
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
}

func TestRateLimitKey(t *testing.T) {
	limited := func(trust bool) *Server {
		return newTestServer(t, func(cfg *config.Config, _ *Options) {
			cfg.RateLimit.Enabled = true
			cfg.RateLimit.RequestsPerSecond = 0.001
			cfg.RateLimit.Burst = 1
			cfg.RateLimit.TrustProxyHeaders = trust
		})
	}
	send := func(s *Server, forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/bias/detect", strings.NewReader(`{"text":"x"}`))
		req.RemoteAddr = "192.0.2.10:4242"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("ForwardedHeaderIgnored", func(t *testing.T) {
		s := limited(false)
		assert.Equal(t, http.StatusOK, send(s, "10.0.0.1"))
		assert.Equal(t, http.StatusTooManyRequests, send(s, "10.0.0.2"))
		assert.Equal(t, 1, s.limiter.Clients())
	})

	t.Run("TrustedProxy", func(t *testing.T) {
		s := limited(true)
		assert.Equal(t, http.StatusOK, send(s, "10.0.0.1"))
		assert.Equal(t, http.StatusOK, send(s, "10.0.0.2"))
		assert.Equal(t, http.StatusTooManyRequests, send(s, "10.0.0.1"))
	})
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/bias/detect", strings.NewReader(`{}`))
	req.Header.Set(requestIDHeader, "3f1c8a52-3f0a-4a45-9d9a-2f0b8f6c1e11")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "3f1c8a52-3f0a-4a45-9d9a-2f0b8f6c1e11", rec.Header().Get(requestIDHeader))
	assert.Equal(t, "3f1c8a52-3f0a-4a45-9d9a-2f0b8f6c1e11", decode(t, rec)["request_id"])

	req = httptest.NewRequest(http.MethodPost, "/v1/bias/detect", strings.NewReader(`{}`))
	req.Header.Set(requestIDHeader, "not a uuid")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.NotEqual(t, "not a uuid", rec.Header().Get(requestIDHeader))
}

func TestCacheEndpoints(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		s := newTestServer(t, nil)
		assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/v1/bias/cache/stats", "").Code)
		assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodDelete, "/v1/bias/cache", "").Code)
	})

	stub := &stubCache{}
	s := newTestServer(t, func(_ *config.Config, opts *Options) { opts.Cache = stub })

	rec := do(t, s, http.MethodGet, "/v1/bias/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["hits"])

	rec = do(t, s, http.MethodDelete, "/v1/bias/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, stub.cleared)

	stub.err = errors.New("redis down")
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/v1/bias/cache/stats", "").Code)
}

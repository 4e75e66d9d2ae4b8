// Package app assembles the moderator and its backing services from a
// loaded configuration.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/bias-sentinel/internal/cache"
	"github.com/raaihank/bias-sentinel/internal/config"
	"github.com/raaihank/bias-sentinel/internal/incident"
	"github.com/raaihank/bias-sentinel/internal/logger"
	"github.com/raaihank/bias-sentinel/internal/metrics"
	"github.com/raaihank/bias-sentinel/internal/moderation"
)

// Services holds everything a binary needs to run analyses
type Services struct {
	Moderator *moderation.Moderator
	Metrics   *metrics.Metrics
	Cache     *cache.ResultCache
	Incidents *incident.Store
	logger    *logger.Logger
}

// Options customizes Build
type Options struct {
	// Events receives bias_detection events; nil disables broadcasting
	Events      moderation.EventBroadcaster
	SkipCache   bool
	SkipStorage bool
}

// Build connects the enabled backends and creates the moderator. Backends
// that fail to connect are fatal, so a misconfigured deployment fails fast.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*Services, error) {
	analyzer, err := moderation.AnalyzerFromConfig(cfg.Bias)
	if err != nil {
		return nil, fmt.Errorf("failed to build analyzer: %w", err)
	}

	s := &Services{
		Metrics: metrics.New(),
		logger:  log,
	}

	if cfg.Cache.Enabled && !opts.SkipCache {
		s.Cache, err = cache.NewResultCache(ctx, &cache.Config{
			RedisURL:       cfg.Cache.RedisURL,
			MaxConnections: cfg.Cache.MaxConnections,
			MinIdleConns:   cfg.Cache.MinIdleConns,
			DefaultTTL:     cfg.Cache.DefaultTTL,
			KeyPrefix:      cfg.Cache.KeyPrefix,
		}, log.WithComponent("cache").Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize result cache: %w", err)
		}
	}

	if cfg.Database.Enabled && !opts.SkipStorage {
		s.Incidents, err = incident.NewStore(ctx, &incident.Config{
			DatabaseURL:     cfg.Database.DatabaseURL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log.WithComponent("incident").Logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize incident store: %w", err)
		}
	}

	modOpts := moderation.Options{
		Config:  cfg.Moderation,
		Metrics: s.Metrics,
		Logger:  log,
		Events:  opts.Events,
	}
	// Typed nil pointers must not leak into the interfaces
	if s.Cache != nil {
		modOpts.Cache = s.Cache
	}
	if s.Incidents != nil {
		modOpts.Incidents = s.Incidents
	}
	s.Moderator = moderation.New(analyzer, modOpts)

	log.Info("Moderator ready",
		zap.String("fingerprint", analyzer.Fingerprint()),
		zap.Strings("categories", analyzer.Categories()),
		zap.Bool("cache", s.Cache != nil),
		zap.Bool("incidents", s.Incidents != nil))

	return s, nil
}

// Close releases the backends
func (s *Services) Close() {
	if s.Cache != nil {
		if err := s.Cache.Close(); err != nil {
			s.logger.Warn("Failed to close result cache", zap.Error(err))
		}
	}
	if s.Incidents != nil {
		if err := s.Incidents.Close(); err != nil {
			s.logger.Warn("Failed to close incident store", zap.Error(err))
		}
	}
}

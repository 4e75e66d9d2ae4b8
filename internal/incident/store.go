package incident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS bias_incidents (
	id          UUID PRIMARY KEY,
	source      TEXT NOT NULL DEFAULT '',
	categories  TEXT[] NOT NULL,
	severity    TEXT NOT NULL DEFAULT '',
	match_count INTEGER NOT NULL,
	matches     JSONB NOT NULL,
	text_hash   TEXT NOT NULL,
	text        TEXT,
	fingerprint TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bias_incidents_created_at ON bias_incidents (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_bias_incidents_text_hash ON bias_incidents (text_hash);`

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// Store persists incidents in PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore connects to PostgreSQL and makes sure the schema exists
func NewStore(ctx context.Context, config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &Store{db: db, logger: logger}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Incident store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

// EnsureSchema creates the incident table and indexes if missing
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create incident schema: %w", err)
	}
	return nil
}

// Record inserts an incident
func (s *Store) Record(ctx context.Context, inc *Incident) error {
	query := `
		INSERT INTO bias_incidents
			(id, source, categories, severity, match_count, matches, text_hash, text, fingerprint, created_at)
		VALUES
			(:id, :source, :categories, :severity, :match_count, :matches, :text_hash, :text, :fingerprint, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, inc); err != nil {
		s.logger.Error("Failed to record incident",
			zap.Error(err),
			zap.String("id", inc.ID),
			zap.Strings("categories", inc.Categories))
		return fmt.Errorf("failed to record incident: %w", err)
	}

	s.logger.Debug("Incident recorded",
		zap.String("id", inc.ID),
		zap.String("severity", inc.Severity))
	return nil
}

// Recent returns the newest incidents, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]*Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*Incident
	query := `
		SELECT id, source, categories, severity, match_count, matches, text_hash, text, fingerprint, created_at
		FROM bias_incidents
		ORDER BY created_at DESC
		LIMIT $1`
	if err := s.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return out, nil
}

// CountByCategory aggregates incidents per category
func (s *Store) CountByCategory(ctx context.Context) ([]CategoryCount, error) {
	var out []CategoryCount
	query := `
		SELECT category, COUNT(*) AS count
		FROM bias_incidents, unnest(categories) AS category
		GROUP BY category
		ORDER BY count DESC, category`
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}
	return out, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || scheme > at {
		return url
	}
	userinfo := url[scheme+3 : at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return url
	}
	return url[:scheme+3] + userinfo[:colon] + ":***" + url[at:]
}

package incident

import (
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/raaihank/bias-sentinel/internal/bias"
)

// Incident is one biased text seen by the service
type Incident struct {
	ID          string         `db:"id" json:"id"`
	Source      string         `db:"source" json:"source"`
	Categories  pq.StringArray `db:"categories" json:"categories"`
	Severity    string         `db:"severity" json:"severity"`
	MatchCount  int            `db:"match_count" json:"match_count"`
	Matches     MatchList      `db:"matches" json:"matches"`
	TextHash    string         `db:"text_hash" json:"text_hash"`
	Text        sql.NullString `db:"text" json:"-"`
	Fingerprint string         `db:"fingerprint" json:"fingerprint"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// MatchList is stored as a JSONB column
type MatchList []bias.Match

// Value implements driver.Valuer
func (m MatchList) Value() (driver.Value, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]bias.Match(m))
}

// Scan implements sql.Scanner
func (m *MatchList) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported matches column type %T", src)
	}
	return json.Unmarshal(data, (*[]bias.Match)(m))
}

// CategoryCount is a row of the per-category aggregate
type CategoryCount struct {
	Category string `db:"category" json:"category"`
	Count    int64  `db:"count" json:"count"`
}

// FromResult builds an incident for a biased detection. The raw text is
// kept only when storeText is set.
func FromResult(source, text string, result bias.DetectionResult, fingerprint string, storeText bool) *Incident {
	inc := &Incident{
		ID:          uuid.NewString(),
		Source:      source,
		Categories:  pq.StringArray(append([]string(nil), result.Categories...)),
		Severity:    string(result.MaxSeverity()),
		MatchCount:  len(result.Matches),
		Matches:     MatchList(result.Matches),
		TextHash:    HashText(text),
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
	}
	if storeText {
		inc.Text = sql.NullString{String: text, Valid: true}
	}
	return inc
}

// HashText returns the hex SHA-256 of text
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

package risk

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/parosfi/rebalancer/internal/domain"
)

// SQLiteCache is the bounded-TTL score cache backed by cache.db (cache
// profile: synchronous=OFF, losing entries on crash is fine).
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

// NewSQLiteCache creates a new sqlite-backed score cache.
func NewSQLiteCache(db *sql.DB, log zerolog.Logger) *SQLiteCache {
	return &SQLiteCache{
		db:  db,
		now: time.Now,
		log: log.With().Str("repo", "risk_cache").Logger(),
	}
}

// Get returns the cached score for a subject, or a miss when absent or
// expired. Expired rows are deleted lazily.
func (c *SQLiteCache) Get(subjectID string) (*domain.RiskScore, bool) {
	var payload []byte
	var expiresAt int64

	err := c.db.QueryRow(
		"SELECT payload, expires_at FROM risk_scores WHERE subject_id = ?",
		subjectID,
	).Scan(&payload, &expiresAt)
	if err != nil {
		if err != sql.ErrNoRows {
			c.log.Warn().Err(err).Str("subject", subjectID).Msg("Risk cache read failed")
		}
		return nil, false
	}

	if c.now().Unix() >= expiresAt {
		_, _ = c.db.Exec("DELETE FROM risk_scores WHERE subject_id = ?", subjectID)
		return nil, false
	}

	var score domain.RiskScore
	if err := msgpack.Unmarshal(payload, &score); err != nil {
		c.log.Warn().Err(err).Str("subject", subjectID).Msg("Risk cache payload corrupt, dropping")
		_, _ = c.db.Exec("DELETE FROM risk_scores WHERE subject_id = ?", subjectID)
		return nil, false
	}

	return &score, true
}

// Put stores a score with the given TTL. Last writer wins.
func (c *SQLiteCache) Put(score domain.RiskScore, ttl time.Duration) error {
	payload, err := msgpack.Marshal(&score)
	if err != nil {
		return fmt.Errorf("failed to encode risk score: %w", err)
	}

	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO risk_scores (subject_id, subject_type, payload, expires_at)
		 VALUES (?, ?, ?, ?)`,
		score.SubjectID,
		string(score.SubjectType),
		payload,
		c.now().Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to write risk score cache entry: %w", err)
	}

	return nil
}

// PruneExpired removes expired cache rows. Called from the maintenance job.
func (c *SQLiteCache) PruneExpired() (int64, error) {
	result, err := c.db.Exec("DELETE FROM risk_scores WHERE expires_at <= ?", c.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune risk cache: %w", err)
	}

	removed, _ := result.RowsAffected()
	return removed, nil
}

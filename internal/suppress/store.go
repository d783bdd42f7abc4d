package suppress

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed RuleSource over the shared
// suppression_rules table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a pgxpool connection to connStr and pings the database.
func NewStore(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("suppress: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("suppress: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// ActiveRules implements RuleSource. Only enabled rules that are permanent or
// not yet expired are returned; expiry is evaluated on the database clock.
func (s *Store) ActiveRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, match_text, COALESCE(node_ip, ''), duration_type,
		       enabled, expires_at, match_count, last_matched_at
		FROM   suppression_rules
		WHERE  enabled = true
		  AND  (expires_at IS NULL OR expires_at > NOW())
		ORDER  BY id`)
	if err != nil {
		return nil, fmt.Errorf("suppress: query rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.MatchText, &r.NodeIP, &r.DurationType,
			&r.Enabled, &r.ExpiresAt, &r.MatchCount, &r.LastMatchedAt); err != nil {
			return nil, fmt.Errorf("suppress: scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("suppress: rule rows: %w", err)
	}
	return rules, nil
}

// RecordMatch implements RuleSource.
func (s *Store) RecordMatch(ctx context.Context, ruleID int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE suppression_rules
		SET    match_count = match_count + 1, last_matched_at = NOW()
		WHERE  id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("suppress: record match for rule %d: %w", ruleID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

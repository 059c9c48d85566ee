package pgrma

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/models"
)

// GetRules returns nil when no rule set has been saved yet.
func (s *Storage) GetRules(ctx context.Context) (*models.RuleSet, error) {
	var rs models.RuleSet
	var version int64
	var updatedAt time.Time
	err := s.db.QueryRow(ctx, `SELECT body, version, updated_at FROM workflow_rules WHERE id = 1`).Scan(&rs, &version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select workflow rules")
	}
	rs.Version = version
	rs.UpdatedAt = updatedAt
	return &rs, nil
}

// SaveRules replaces the whole rule set and bumps its version.
func (s *Storage) SaveRules(ctx context.Context, rs *models.RuleSet) (*models.RuleSet, error) {
	next := rs.Clone()
	err := s.db.QueryRow(ctx, `
INSERT INTO workflow_rules (id, body, version, updated_at)
VALUES (1, $1, 1, now())
ON CONFLICT (id) DO UPDATE SET
  body = EXCLUDED.body,
  version = workflow_rules.version + 1,
  updated_at = EXCLUDED.updated_at
RETURNING version, updated_at
`, next).Scan(&next.Version, &next.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "save workflow rules")
	}
	return next, nil
}

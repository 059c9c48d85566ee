package pgrma

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/models"
)

// ListEvents returns the case's tracking log ordered by direction, then timestamp.
func (s *Storage) ListEvents(ctx context.Context, caseID uint64) ([]*models.TrackingEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT
  id, case_id, direction, status, status_raw, ts, reported_at,
  location, description, carrier_code, source, metadata, created_at
FROM rma_tracking_events
WHERE case_id = $1
ORDER BY direction, ts, id
`, caseID)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		if err := rows.Scan(
			&e.ID, &e.CaseID, &e.Direction, &e.Status, &e.StatusRaw, &e.Timestamp, &e.ReportedAt,
			&e.Location, &e.Description, &e.CarrierCode, &e.Source, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListHistory(ctx context.Context, caseID uint64) ([]*models.WorkflowHistory, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, case_id, action, from_status, to_status, actor, note, created_at
FROM rma_workflow_history
WHERE case_id = $1
ORDER BY id
`, caseID)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	defer rows.Close()

	var out []*models.WorkflowHistory
	for rows.Next() {
		var h models.WorkflowHistory
		if err := rows.Scan(&h.ID, &h.CaseID, &h.Action, &h.FromStatus, &h.ToStatus, &h.Actor, &h.Note, &h.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		out = append(out, &h)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// PruneEvents drops log entries older than before. Shipment snapshots are untouched.
func (s *Storage) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM rma_tracking_events WHERE ts < $1`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "prune events")
	}
	return tag.RowsAffected(), nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, caseID uint64, events []*models.TrackingEvent) error {
	for _, e := range events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if e.ReportedAt.IsZero() {
			e.ReportedAt = e.Timestamp
		}
		err := tx.QueryRow(ctx, `
INSERT INTO rma_tracking_events (
  case_id, direction, status, status_raw, ts, reported_at,
  location, description, carrier_code, source, metadata, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id
`,
			caseID, e.Direction, e.Status, e.StatusRaw, e.Timestamp.UTC(), e.ReportedAt.UTC(),
			e.Location, e.Description, e.CarrierCode, e.Source, e.Metadata, e.CreatedAt.UTC(),
		).Scan(&e.ID)
		if err != nil {
			return errors.Wrap(err, "insert tracking event")
		}
		e.CaseID = caseID
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, caseID uint64, hs []*models.WorkflowHistory) error {
	for _, h := range hs {
		if h.CreatedAt.IsZero() {
			h.CreatedAt = time.Now().UTC()
		}
		err := tx.QueryRow(ctx, `
INSERT INTO rma_workflow_history (case_id, action, from_status, to_status, actor, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, caseID, h.Action, h.FromStatus, h.ToStatus, h.Actor, h.Note, h.CreatedAt.UTC()).Scan(&h.ID)
		if err != nil {
			return errors.Wrap(err, "insert workflow history")
		}
		h.CaseID = caseID
	}
	return nil
}

package pgrma

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/models"
)

const caseColumns = `
  id, case_number, status, priority, site_id, asset_id, product_model, serial_number,
  defective_part, replacement_part, warranty_status, symptoms, notes,
  assignee, escalated, escalation_level,
  status_changed_at, created_at, updated_at, completed_at`

const shipmentColumns = `
  case_id, direction, tracking_number, carrier_code, service_level, status,
  shipped_at, estimated_delivery, actual_delivery, current_location,
  last_event_at, last_updated, last_checked_at, check_fail_count, last_error,
  weight_kg, length_cm, width_cm, height_cm, insured_value, signature_required`

const slaColumns = `
  case_id, target_hours, target_delivery_days, outbound_actual_days, return_actual_days,
  outbound_breached, return_breached, breached, breach_reason, updated_at`

func (s *Storage) CreateCase(ctx context.Context, c *models.Case, h *models.WorkflowHistory) (*models.Case, error) {
	if c == nil {
		return nil, errors.New("nil case")
	}
	stored := c.Clone()
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		year := stored.CreatedAt.UTC().Year()
		var seq int
		err := tx.QueryRow(ctx, `
INSERT INTO rma_sequences (year, last_value) VALUES ($1, 1)
ON CONFLICT (year) DO UPDATE SET last_value = rma_sequences.last_value + 1
RETURNING last_value
`, year).Scan(&seq)
		if err != nil {
			return errors.Wrap(err, "next case sequence")
		}
		stored.CaseNumber = models.FormatCaseNumber(year, seq)

		err = tx.QueryRow(ctx, `
INSERT INTO rma_cases (
  case_number, status, priority, site_id, asset_id, product_model, serial_number,
  defective_part, replacement_part, warranty_status, symptoms, notes,
  assignee, escalated, escalation_level,
  status_changed_at, created_at, updated_at, completed_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
RETURNING id
`,
			stored.CaseNumber, stored.Status, stored.Priority, stored.SiteID, stored.AssetID, stored.ProductModel, stored.SerialNumber,
			stored.DefectivePart, stored.ReplacementPart, stored.WarrantyStatus, stored.Symptoms, stored.Notes,
			stored.Assignee, stored.Escalated, stored.EscalationLevel,
			stored.StatusChangedAt.UTC(), stored.CreatedAt.UTC(), stored.UpdatedAt.UTC(), stored.CompletedAt,
		).Scan(&stored.ID)
		if err != nil {
			return errors.Wrap(err, "insert case")
		}

		if err := saveDependents(ctx, tx, stored); err != nil {
			return err
		}
		if h != nil {
			return insertHistory(ctx, tx, stored.ID, []*models.WorkflowHistory{h})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Storage) GetCase(ctx context.Context, id uint64) (*models.Case, error) {
	cs, err := loadCases(ctx, s.db, []uint64{id})
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, errors.Wrapf(models.ErrCaseNotFound, "case %d", id)
	}
	return cs[0], nil
}

func (s *Storage) GetCaseByNumber(ctx context.Context, number string) (*models.Case, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `SELECT id FROM rma_cases WHERE case_number = $1`, number).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrCaseNotFound, "case %s", number)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select case by number")
	}
	return s.GetCase(ctx, id)
}

// MutateCase runs fn on the case while its row is locked (SELECT ... FOR UPDATE),
// so a webhook and a poll touching the same case are applied one after another.
// A nil change commits nothing.
func (s *Storage) MutateCase(ctx context.Context, id uint64, fn func(c *models.Case) (*models.CaseChange, error)) (*models.Case, error) {
	var out *models.Case
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var locked uint64
		err := tx.QueryRow(ctx, `SELECT id FROM rma_cases WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(models.ErrCaseNotFound, "case %d", id)
		}
		if err != nil {
			return errors.Wrap(err, "lock case")
		}

		cs, err := loadCases(ctx, tx, []uint64{id})
		if err != nil {
			return err
		}
		if len(cs) == 0 {
			return errors.Wrapf(models.ErrCaseNotFound, "case %d", id)
		}
		current := cs[0]

		work := current.Clone()
		change, err := fn(work)
		if err != nil {
			return err
		}
		if change == nil {
			out = current
			return nil
		}
		work.ID = id

		if _, err := tx.Exec(ctx, `
UPDATE rma_cases SET
  status = $2, priority = $3, site_id = $4, asset_id = $5, product_model = $6, serial_number = $7,
  defective_part = $8, replacement_part = $9, warranty_status = $10, symptoms = $11, notes = $12,
  assignee = $13, escalated = $14, escalation_level = $15,
  status_changed_at = $16, updated_at = $17, completed_at = $18
WHERE id = $1
`,
			id, work.Status, work.Priority, work.SiteID, work.AssetID, work.ProductModel, work.SerialNumber,
			work.DefectivePart, work.ReplacementPart, work.WarrantyStatus, work.Symptoms, work.Notes,
			work.Assignee, work.Escalated, work.EscalationLevel,
			work.StatusChangedAt.UTC(), work.UpdatedAt.UTC(), work.CompletedAt,
		); err != nil {
			return errors.Wrap(err, "update case")
		}
		if err := saveDependents(ctx, tx, work); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, id, change.Events); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, id, change.History); err != nil {
			return err
		}
		out = work
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) DeleteCase(ctx context.Context, id uint64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM rma_cases WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete case")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrCaseNotFound, "case %d", id)
	}
	return nil
}

func (s *Storage) FindShipments(ctx context.Context, carrierCode, trackingNumber string) ([]models.ShipmentRef, error) {
	rows, err := s.db.Query(ctx, `
SELECT case_id, direction
FROM rma_shipments
WHERE carrier_code = $1 AND tracking_number = $2
ORDER BY case_id, direction
`, carrierCode, trackingNumber)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments by tracking number")
	}
	defer rows.Close()

	var out []models.ShipmentRef
	for rows.Next() {
		var ref models.ShipmentRef
		if err := rows.Scan(&ref.CaseID, &ref.Direction); err != nil {
			return nil, errors.Wrap(err, "scan shipment ref")
		}
		out = append(out, ref)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListActiveCaseIDs pages through cases that have at least one leg still worth polling.
func (s *Storage) ListActiveCaseIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	return s.selectIDs(ctx, `
SELECT DISTINCT case_id
FROM rma_shipments
WHERE tracking_number <> ''
  AND status NOT IN ('delivered', 'exception', 'returned')
  AND case_id > $1
ORDER BY case_id
LIMIT $2
`, afterID, pageLimit(limit))
}

func (s *Storage) ListTrackedCaseIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	return s.selectIDs(ctx, `
SELECT DISTINCT case_id
FROM rma_shipments
WHERE tracking_number <> '' AND case_id > $1
ORDER BY case_id
LIMIT $2
`, afterID, pageLimit(limit))
}

func (s *Storage) ListOpenCases(ctx context.Context, afterID uint64, limit int) ([]*models.Case, error) {
	ids, err := s.selectIDs(ctx, `
SELECT id FROM rma_cases
WHERE status NOT IN ('completed', 'rejected') AND id > $1
ORDER BY id
LIMIT $2
`, afterID, pageLimit(limit))
	if err != nil {
		return nil, err
	}
	return loadCases(ctx, s.db, ids)
}

func (s *Storage) ListBreachedCases(ctx context.Context) ([]*models.Case, error) {
	ids, err := s.selectIDs(ctx, `SELECT case_id FROM rma_sla WHERE breached ORDER BY case_id`)
	if err != nil {
		return nil, err
	}
	return loadCases(ctx, s.db, ids)
}

func (s *Storage) CountByStatus(ctx context.Context) (map[models.CaseStatus]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM rma_cases GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count cases")
	}
	defer rows.Close()

	out := map[models.CaseStatus]int64{}
	for rows.Next() {
		var st models.CaseStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		out[st] = n
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) selectIDs(ctx context.Context, q string, args ...any) ([]uint64, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select case ids")
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan case id")
		}
		out = append(out, id)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func pageLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

// loadCases assembles cases with both legs and the SLA record, ordered by id.
func loadCases(ctx context.Context, q querier, ids []uint64) ([]*models.Case, error) {
	if len(ids) == 0 {
		return []*models.Case{}, nil
	}

	rows, err := q.Query(ctx, `SELECT `+caseColumns+` FROM rma_cases WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select cases")
	}
	out := make([]*models.Case, 0, len(ids))
	byID := make(map[uint64]*models.Case, len(ids))
	for rows.Next() {
		var c models.Case
		if err := rows.Scan(
			&c.ID, &c.CaseNumber, &c.Status, &c.Priority, &c.SiteID, &c.AssetID, &c.ProductModel, &c.SerialNumber,
			&c.DefectivePart, &c.ReplacementPart, &c.WarrantyStatus, &c.Symptoms, &c.Notes,
			&c.Assignee, &c.Escalated, &c.EscalationLevel,
			&c.StatusChangedAt, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
		); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan case")
		}
		out = append(out, &c)
		byID[c.ID] = &c
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	rows, err = q.Query(ctx, `SELECT `+shipmentColumns+` FROM rma_shipments WHERE case_id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	for rows.Next() {
		var caseID uint64
		var sh models.Shipment
		if err := rows.Scan(
			&caseID, &sh.Direction, &sh.TrackingNumber, &sh.CarrierCode, &sh.ServiceLevel, &sh.Status,
			&sh.ShippedAt, &sh.EstimatedDelivery, &sh.ActualDelivery, &sh.CurrentLocation,
			&sh.LastEventAt, &sh.LastUpdated, &sh.LastCheckedAt, &sh.CheckFailCount, &sh.LastError,
			&sh.WeightKg, &sh.LengthCm, &sh.WidthCm, &sh.HeightCm, &sh.InsuredValue, &sh.SignatureRequired,
		); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan shipment")
		}
		if c, ok := byID[caseID]; ok && sh.Direction.Valid() {
			*c.Shipment(sh.Direction) = sh
		}
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	rows, err = q.Query(ctx, `SELECT `+slaColumns+` FROM rma_sla WHERE case_id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select sla")
	}
	defer rows.Close()
	for rows.Next() {
		var caseID uint64
		var r models.SLARecord
		if err := rows.Scan(
			&caseID, &r.TargetHours, &r.TargetDeliveryDays, &r.OutboundActualDays, &r.ReturnActualDays,
			&r.OutboundBreached, &r.ReturnBreached, &r.Breached, &r.BreachReason, &r.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan sla")
		}
		if c, ok := byID[caseID]; ok {
			c.SLA = r
		}
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// saveDependents upserts both shipment legs and the SLA record.
func saveDependents(ctx context.Context, tx pgx.Tx, c *models.Case) error {
	for _, dir := range models.Directions {
		sh := c.Shipment(dir)
		if _, err := tx.Exec(ctx, `
INSERT INTO rma_shipments (`+shipmentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (case_id, direction) DO UPDATE SET
  tracking_number = EXCLUDED.tracking_number,
  carrier_code = EXCLUDED.carrier_code,
  service_level = EXCLUDED.service_level,
  status = EXCLUDED.status,
  shipped_at = EXCLUDED.shipped_at,
  estimated_delivery = EXCLUDED.estimated_delivery,
  actual_delivery = EXCLUDED.actual_delivery,
  current_location = EXCLUDED.current_location,
  last_event_at = EXCLUDED.last_event_at,
  last_updated = EXCLUDED.last_updated,
  last_checked_at = EXCLUDED.last_checked_at,
  check_fail_count = EXCLUDED.check_fail_count,
  last_error = EXCLUDED.last_error,
  weight_kg = EXCLUDED.weight_kg,
  length_cm = EXCLUDED.length_cm,
  width_cm = EXCLUDED.width_cm,
  height_cm = EXCLUDED.height_cm,
  insured_value = EXCLUDED.insured_value,
  signature_required = EXCLUDED.signature_required
`,
			c.ID, dir, sh.TrackingNumber, sh.CarrierCode, sh.ServiceLevel, shipmentStatus(sh.Status),
			utc(sh.ShippedAt), utc(sh.EstimatedDelivery), utc(sh.ActualDelivery), sh.CurrentLocation,
			utc(sh.LastEventAt), utc(sh.LastUpdated), utc(sh.LastCheckedAt), sh.CheckFailCount, sh.LastError,
			sh.WeightKg, sh.LengthCm, sh.WidthCm, sh.HeightCm, sh.InsuredValue, sh.SignatureRequired,
		); err != nil {
			return errors.Wrap(err, "upsert shipment")
		}
	}

	r := c.SLA
	if _, err := tx.Exec(ctx, `
INSERT INTO rma_sla (`+slaColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (case_id) DO UPDATE SET
  target_hours = EXCLUDED.target_hours,
  target_delivery_days = EXCLUDED.target_delivery_days,
  outbound_actual_days = EXCLUDED.outbound_actual_days,
  return_actual_days = EXCLUDED.return_actual_days,
  outbound_breached = EXCLUDED.outbound_breached,
  return_breached = EXCLUDED.return_breached,
  breached = EXCLUDED.breached,
  breach_reason = EXCLUDED.breach_reason,
  updated_at = EXCLUDED.updated_at
`,
		c.ID, r.TargetHours, r.TargetDeliveryDays, r.OutboundActualDays, r.ReturnActualDays,
		r.OutboundBreached, r.ReturnBreached, r.Breached, r.BreachReason, utc(r.UpdatedAt),
	); err != nil {
		return errors.Wrap(err, "upsert sla")
	}
	return nil
}

func shipmentStatus(s models.ShipmentStatus) models.ShipmentStatus {
	if s == "" {
		return models.ShipmentStatusPending
	}
	return s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

package pgrma

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS rma_sequences (
  year INT PRIMARY KEY,
  last_value INT NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS rma_cases (
  id BIGSERIAL PRIMARY KEY,
  case_number TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL,
  priority TEXT NOT NULL,
  site_id TEXT NOT NULL,
  asset_id TEXT NOT NULL DEFAULT '',
  product_model TEXT NOT NULL DEFAULT '',
  serial_number TEXT NOT NULL DEFAULT '',
  defective_part JSONB NOT NULL DEFAULT '{}',
  replacement_part JSONB NOT NULL DEFAULT '{}',
  warranty_status TEXT NOT NULL,
  symptoms TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  assignee TEXT NOT NULL DEFAULT '',
  escalated BOOLEAN NOT NULL DEFAULT FALSE,
  escalation_level INT NOT NULL DEFAULT 0,
  status_changed_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_rma_cases_status ON rma_cases(status)`,
		`
CREATE TABLE IF NOT EXISTS rma_shipments (
  case_id BIGINT NOT NULL REFERENCES rma_cases(id) ON DELETE CASCADE,
  direction TEXT NOT NULL,
  tracking_number TEXT NOT NULL DEFAULT '',
  carrier_code TEXT NOT NULL DEFAULT '',
  service_level TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  shipped_at TIMESTAMPTZ NULL,
  estimated_delivery TIMESTAMPTZ NULL,
  actual_delivery TIMESTAMPTZ NULL,
  current_location TEXT NOT NULL DEFAULT '',
  last_event_at TIMESTAMPTZ NULL,
  last_updated TIMESTAMPTZ NULL,
  last_checked_at TIMESTAMPTZ NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  weight_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
  length_cm DOUBLE PRECISION NOT NULL DEFAULT 0,
  width_cm DOUBLE PRECISION NOT NULL DEFAULT 0,
  height_cm DOUBLE PRECISION NOT NULL DEFAULT 0,
  insured_value DOUBLE PRECISION NOT NULL DEFAULT 0,
  signature_required BOOLEAN NOT NULL DEFAULT FALSE,
  PRIMARY KEY (case_id, direction)
)`,
		`CREATE INDEX IF NOT EXISTS idx_rma_shipments_tracking ON rma_shipments(carrier_code, tracking_number) WHERE tracking_number <> ''`,
		`
CREATE TABLE IF NOT EXISTS rma_sla (
  case_id BIGINT PRIMARY KEY REFERENCES rma_cases(id) ON DELETE CASCADE,
  target_hours INT NOT NULL,
  target_delivery_days INT NOT NULL,
  outbound_actual_days INT NULL,
  return_actual_days INT NULL,
  outbound_breached BOOLEAN NOT NULL DEFAULT FALSE,
  return_breached BOOLEAN NOT NULL DEFAULT FALSE,
  breached BOOLEAN NOT NULL DEFAULT FALSE,
  breach_reason TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_rma_sla_breached ON rma_sla(case_id) WHERE breached`,
		`
CREATE TABLE IF NOT EXISTS rma_tracking_events (
  id BIGSERIAL PRIMARY KEY,
  case_id BIGINT NOT NULL REFERENCES rma_cases(id) ON DELETE CASCADE,
  direction TEXT NOT NULL,
  status TEXT NOT NULL,
  status_raw TEXT NOT NULL DEFAULT '',
  ts TIMESTAMPTZ NOT NULL,
  reported_at TIMESTAMPTZ NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  carrier_code TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL,
  metadata JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_rma_tracking_events_case ON rma_tracking_events(case_id, direction, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_rma_tracking_events_ts ON rma_tracking_events(ts)`,
		`
CREATE TABLE IF NOT EXISTS rma_workflow_history (
  id BIGSERIAL PRIMARY KEY,
  case_id BIGINT NOT NULL REFERENCES rma_cases(id) ON DELETE CASCADE,
  action TEXT NOT NULL,
  from_status TEXT NOT NULL DEFAULT '',
  to_status TEXT NOT NULL DEFAULT '',
  actor TEXT NOT NULL,
  note TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_rma_workflow_history_case ON rma_workflow_history(case_id, id)`,
		`
CREATE TABLE IF NOT EXISTS workflow_rules (
  id SMALLINT PRIMARY KEY CHECK (id = 1),
  body JSONB NOT NULL,
  version BIGINT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

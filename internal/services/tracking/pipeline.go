package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/broker/messages"
	"github.com/BearBump/RMATrack/internal/cache"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/notify"
	"github.com/BearBump/RMATrack/internal/services/sla"
)

type Repository interface {
	GetCase(ctx context.Context, id uint64) (*models.Case, error)
	MutateCase(ctx context.Context, id uint64, fn func(c *models.Case) (*models.CaseChange, error)) (*models.Case, error)
	FindShipments(ctx context.Context, carrierCode, trackingNumber string) ([]models.ShipmentRef, error)
	ListEvents(ctx context.Context, caseID uint64) ([]*models.TrackingEvent, error)
}

// DeliveryHook is told about a leg that has just been delivered.
type DeliveryHook interface {
	OnDelivered(ctx context.Context, c *models.Case, dir models.Direction) error
}

// Outcome describes what Apply did with one observation.
type Outcome struct {
	Case       *models.Case
	Applied    bool
	FromStatus models.ShipmentStatus
	Event      *models.TrackingEvent
	Breached   []models.Direction
}

// Pipeline is the single write path for shipment state. Polls, webhooks and
// operator overrides all end up in Apply.
type Pipeline struct {
	repo     Repository
	policy   sla.Policy
	cache    cache.BytesCache
	notifier notify.Notifier
	hook     DeliveryHook
	now      func() time.Time
}

func NewPipeline(repo Repository, policy sla.Policy, c cache.BytesCache, n notify.Notifier) *Pipeline {
	if n == nil {
		n = notify.Discard
	}
	return &Pipeline{
		repo:     repo,
		policy:   policy,
		cache:    c,
		notifier: n,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pipeline) WithDeliveryHook(h DeliveryHook) *Pipeline {
	p.hook = h
	return p
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	if now != nil {
		p.now = now
	}
	return p
}

// Apply folds one observation into the case under the case lock.
//
// A non-manual observation is applied only if it moves the leg forward; a
// regression or a repeat is dropped without an event. The appended event gets
// timestamp max(reported, previous event) so the per-leg log never goes back
// in time, and the carrier's own time is kept in ReportedAt.
func (p *Pipeline) Apply(ctx context.Context, obs models.Observation) (Outcome, error) {
	if !obs.Direction.Valid() {
		return Outcome{}, errors.Wrapf(models.ErrValidation, "direction %q", obs.Direction)
	}
	status := obs.Status
	if !status.Valid() {
		status = models.ShipmentStatusPending
	}

	var out Outcome
	c, err := p.repo.MutateCase(ctx, obs.CaseID, func(c *models.Case) (*models.CaseChange, error) {
		out = Outcome{}
		sh := c.Shipment(obs.Direction)
		manual := obs.Source == models.EventSourceManual
		if sh.TrackingNumber == "" && !manual {
			return nil, nil
		}
		if obs.TrackingNumber != "" && sh.TrackingNumber != obs.TrackingNumber {
			// the leg was re-dispatched with another number
			return nil, nil
		}

		now := p.now()
		dirty := false
		if obs.Source == models.EventSourceAPI {
			sh.LastCheckedAt = &now
			sh.CheckFailCount = 0
			sh.LastError = nil
			dirty = true
		}
		if obs.EstimatedDelivery != nil && !sameTime(sh.EstimatedDelivery, obs.EstimatedDelivery) {
			eta := obs.EstimatedDelivery.UTC()
			sh.EstimatedDelivery = &eta
			dirty = true
		}

		advance := sh.Status.CanAdvanceTo(status)
		if manual {
			advance = status != sh.Status
		}
		if !advance {
			if !dirty {
				return nil, nil
			}
			c.UpdatedAt = now
			return &models.CaseChange{}, nil
		}

		reported := obs.EventTime.UTC()
		if obs.EventTime.IsZero() {
			reported = now
		}
		ts := reported
		if sh.LastEventAt != nil && ts.Before(*sh.LastEventAt) {
			ts = *sh.LastEventAt
		}

		from := sh.Status
		sh.Status = status
		sh.LastEventAt = &ts
		if sh.LastUpdated == nil || now.After(*sh.LastUpdated) {
			sh.LastUpdated = &now
		}
		if obs.Location != "" {
			sh.CurrentLocation = obs.Location
		}
		if sh.ShippedAt == nil && status != models.ShipmentStatusPending {
			shipped := reported
			sh.ShippedAt = &shipped
		}
		switch {
		case status == models.ShipmentStatusDelivered:
			delivered := reported
			if obs.ActualDelivery != nil {
				delivered = obs.ActualDelivery.UTC()
			}
			sh.ActualDelivery = &delivered
		case manual && sh.ActualDelivery != nil:
			sh.ActualDelivery = nil
		}

		ev := &models.TrackingEvent{
			CaseID:      c.ID,
			Direction:   obs.Direction,
			Status:      status,
			StatusRaw:   obs.StatusRaw,
			Timestamp:   ts,
			ReportedAt:  reported,
			Location:    obs.Location,
			Description: obs.Description,
			CarrierCode: sh.CarrierCode,
			Source:      sourceOrAPI(obs.Source),
			Metadata:    obs.Metadata,
			CreatedAt:   now,
		}
		change := &models.CaseChange{Events: []*models.TrackingEvent{ev}}
		if manual {
			note := fmt.Sprintf("%s shipment %s -> %s", obs.Direction, from, status)
			if obs.Description != "" {
				note += ": " + obs.Description
			}
			change.History = append(change.History, &models.WorkflowHistory{
				Action:     models.ActionShipmentOverride,
				FromStatus: c.Status,
				ToStatus:   c.Status,
				Actor:      obs.Actor,
				Note:       note,
				CreatedAt:  now,
			})
		}

		out.Breached = p.policy.Recompute(c, now)
		c.UpdatedAt = now
		out.Applied = true
		out.FromStatus = from
		out.Event = ev
		return change, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	out.Case = c
	if !out.Applied {
		return out, nil
	}

	p.Invalidate(ctx, c.ID)
	p.emit(ctx, c, obs, out)

	if out.Event.Status == models.ShipmentStatusDelivered && p.hook != nil {
		if err := p.hook.OnDelivered(ctx, c, obs.Direction); err != nil {
			slog.Warn("delivery hook failed", "case_id", c.ID, "direction", obs.Direction, "error", err.Error())
		}
	}
	return out, nil
}

// RecordFailure notes a failed carrier call on the leg without touching its status.
func (p *Pipeline) RecordFailure(ctx context.Context, caseID uint64, dir models.Direction, trackingNumber string, cause error) error {
	_, err := p.repo.MutateCase(ctx, caseID, func(c *models.Case) (*models.CaseChange, error) {
		sh := c.Shipment(dir)
		if sh.TrackingNumber != trackingNumber {
			return nil, nil
		}
		now := p.now()
		msg := cause.Error()
		sh.LastCheckedAt = &now
		sh.CheckFailCount++
		sh.LastError = &msg
		return &models.CaseChange{}, nil
	})
	if err != nil {
		return err
	}
	p.Invalidate(ctx, caseID)
	return nil
}

// Invalidate drops the cached tracking view of a case.
func (p *Pipeline) Invalidate(ctx context.Context, caseID uint64) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Delete(ctx, viewKey(caseID)); err != nil {
		slog.Warn("tracking cache invalidate", "case_id", caseID, "error", err.Error())
	}
}

func (p *Pipeline) emit(ctx context.Context, c *models.Case, obs models.Observation, out Outcome) {
	n := messages.NewCaseNotification(messages.NotificationTrackingUpdated, int64(c.ID), out.Event.Timestamp)
	n.CaseNumber = c.CaseNumber
	n.Status = string(c.Status)
	n.Priority = string(c.Priority)
	n.Assignee = c.Assignee
	n.Direction = string(obs.Direction)
	n.ShipmentStatus = string(out.Event.Status)
	n.Actor = obs.Actor
	n.Data = map[string]any{
		"from":       string(out.FromStatus),
		"source":     string(out.Event.Source),
		"location":   out.Event.Location,
		"reportedAt": out.Event.ReportedAt,
	}
	p.notifier.Notify(ctx, n)

	for _, dir := range out.Breached {
		b := messages.NewCaseNotification(messages.NotificationSLABreached, int64(c.ID), p.now())
		b.CaseNumber = c.CaseNumber
		b.Status = string(c.Status)
		b.Priority = string(c.Priority)
		b.Assignee = c.Assignee
		b.Direction = string(dir)
		b.Reason = c.SLA.BreachReason
		p.notifier.Notify(ctx, b)
	}
}

func viewKey(caseID uint64) string {
	return fmt.Sprintf("rma:%d:tracking", caseID)
}

func sourceOrAPI(s models.EventSource) models.EventSource {
	if s == "" {
		return models.EventSourceAPI
	}
	return s
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

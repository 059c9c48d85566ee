package rma

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/broker/messages"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/notify"
	"github.com/BearBump/RMATrack/internal/services/sla"
	"github.com/BearBump/RMATrack/internal/services/tracking"
)

const systemActor = "system"

type Repository interface {
	CreateCase(ctx context.Context, c *models.Case, h *models.WorkflowHistory) (*models.Case, error)
	GetCase(ctx context.Context, id uint64) (*models.Case, error)
	GetCaseByNumber(ctx context.Context, number string) (*models.Case, error)
	MutateCase(ctx context.Context, id uint64, fn func(c *models.Case) (*models.CaseChange, error)) (*models.Case, error)
	ListHistory(ctx context.Context, caseID uint64) ([]*models.WorkflowHistory, error)
	ListBreachedCases(ctx context.Context) ([]*models.Case, error)
	DeleteCase(ctx context.Context, id uint64) error
}

type CarrierCatalog interface {
	Carrier(code string) (models.Carrier, error)
	ValidateTrackingNumber(code, number string) (bool, error)
}

// RuleSource hands out the current assignment/escalation tables.
type RuleSource interface {
	Current() *models.RuleSet
}

type ShipmentApplier interface {
	Apply(ctx context.Context, obs models.Observation) (tracking.Outcome, error)
	Invalidate(ctx context.Context, caseID uint64)
}

// ActionData is the optional payload of a state-machine action.
type ActionData struct {
	Actor    string                  `json:"actor,omitempty"`
	Note     string                  `json:"note,omitempty"`
	Shipment *models.ShipmentDetails `json:"shipment,omitempty"`
}

type Service struct {
	repo     Repository
	carriers CarrierCatalog
	rules    RuleSource
	applier  ShipmentApplier
	policy   sla.Policy
	notifier notify.Notifier

	autoConfirm bool
	now         func() time.Time
}

func New(repo Repository, carriers CarrierCatalog, rules RuleSource, applier ShipmentApplier, policy sla.Policy, n notify.Notifier) *Service {
	if n == nil {
		n = notify.Discard
	}
	return &Service{
		repo:        repo,
		carriers:    carriers,
		rules:       rules,
		applier:     applier,
		policy:      policy,
		notifier:    n,
		autoConfirm: true,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithAutoConfirm(on bool) *Service {
	s.autoConfirm = on
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) CreateCase(ctx context.Context, in models.CaseCreateInput) (*models.Case, error) {
	if strings.TrimSpace(in.SiteID) == "" {
		return nil, errors.Wrap(models.ErrValidation, "siteId is required")
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, errors.Wrapf(models.ErrValidation, "priority %q", in.Priority)
	}
	if in.WarrantyStatus == "" {
		in.WarrantyStatus = models.WarrantyUnknown
	}
	if !in.WarrantyStatus.Valid() {
		return nil, errors.Wrapf(models.ErrValidation, "warrantyStatus %q", in.WarrantyStatus)
	}
	actor := actorOr(in.Actor)
	now := s.now()

	c := &models.Case{
		Status:          models.CaseStatusUnderReview,
		Priority:        in.Priority,
		SiteID:          strings.TrimSpace(in.SiteID),
		AssetID:         in.AssetID,
		ProductModel:    in.ProductModel,
		SerialNumber:    in.SerialNumber,
		DefectivePart:   in.DefectivePart,
		ReplacementPart: in.ReplacementPart,
		WarrantyStatus:  in.WarrantyStatus,
		Symptoms:        in.Symptoms,
		Notes:           in.Notes,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
		Outbound:        models.Shipment{Direction: models.DirectionOutbound, Status: models.ShipmentStatusPending},
		Return:          models.Shipment{Direction: models.DirectionReturn, Status: models.ShipmentStatusPending},
		SLA: models.SLARecord{
			TargetHours:        s.policy.TargetHoursFor(in.Priority),
			TargetDeliveryDays: s.policy.TargetDeliveryDays,
		},
	}
	c.Assignee = s.rules.Current().AssigneeFor(c.Priority, c.Status)

	note := "case opened"
	if c.Assignee != "" {
		note = "case opened, assigned to " + c.Assignee
	}
	created, err := s.repo.CreateCase(ctx, c, &models.WorkflowHistory{
		Action:    models.ActionCreated,
		ToStatus:  models.CaseStatusUnderReview,
		Actor:     actor,
		Note:      note,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("rma case created", "case_id", created.ID, "case_number", created.CaseNumber, "priority", created.Priority, "assignee", created.Assignee)
	s.notify(ctx, messages.NotificationCaseCreated, created, actor, "")
	if created.Assignee != "" {
		s.notify(ctx, messages.NotificationAssigned, created, actor, "")
	}
	return created, nil
}

func (s *Service) GetCase(ctx context.Context, id uint64) (*models.Case, error) {
	return s.repo.GetCase(ctx, id)
}

func (s *Service) GetCaseByNumber(ctx context.Context, number string) (*models.Case, error) {
	return s.repo.GetCaseByNumber(ctx, number)
}

func (s *Service) History(ctx context.Context, id uint64) ([]*models.WorkflowHistory, error) {
	if _, err := s.repo.GetCase(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, id)
}

// Detail is the case read model with the derived SLA view.
type Detail struct {
	*models.Case
	Summary          sla.Summary     `json:"slaSummary"`
	AvailableActions []models.Action `json:"availableActions"`
}

func (s *Service) Detail(ctx context.Context, id uint64) (*Detail, error) {
	c, err := s.repo.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	actions := AvailableActions(c.Status)
	if _, ok := s.rules.Current().EscalationFor(c.Status); ok && models.Escalatable(c.Status) {
		actions = append(actions, models.ActionEscalate)
	}
	return &Detail{Case: c, Summary: s.policy.Summarize(c, s.now()), AvailableActions: actions}, nil
}

func (s *Service) ListSLABreaches(ctx context.Context) ([]*models.Case, error) {
	return s.repo.ListBreachedCases(ctx)
}

// Process runs one state-machine action. It is all-or-nothing: any error
// leaves the case as it was.
func (s *Service) Process(ctx context.Context, id uint64, action models.Action, data ActionData) (*models.Case, error) {
	if action == models.ActionEscalate {
		c, _, err := s.escalate(ctx, id, actorOr(data.Actor), data.Note, false)
		return c, err
	}

	var leg *models.Shipment
	switch action {
	case models.ActionRecordOutboundShipment:
		if data.Shipment == nil {
			return nil, errors.Wrap(models.ErrValidation, "shipment details are required")
		}
		fallthrough
	case models.ActionInitiateReturn:
		if data.Shipment != nil {
			sh, err := s.dispatch(*data.Shipment)
			if err != nil {
				return nil, err
			}
			leg = &sh
		}
	}

	actor := actorOr(data.Actor)
	var from models.CaseStatus
	var reassigned bool
	updated, err := s.repo.MutateCase(ctx, id, func(c *models.Case) (*models.CaseChange, error) {
		from = c.Status
		to, err := Next(c.Status, action)
		if err != nil {
			return nil, err
		}
		now := s.now()

		if leg != nil {
			dir := models.DirectionOutbound
			if action == models.ActionInitiateReturn {
				dir = models.DirectionReturn
			}
			sh := *leg
			sh.Direction = dir
			if sh.ShippedAt == nil {
				sh.ShippedAt = &now
			}
			// the leg's event log outlives re-dispatch and earlier overrides
			sh.LastEventAt = c.Shipment(dir).LastEventAt
			*c.Shipment(dir) = sh
		}

		c.Status = to
		c.StatusChangedAt = now
		c.UpdatedAt = now
		if to.Terminal() {
			c.CompletedAt = &now
		}
		s.policy.Recompute(c, now)

		change := &models.CaseChange{History: []*models.WorkflowHistory{{
			Action:     action,
			FromStatus: from,
			ToStatus:   to,
			Actor:      actor,
			Note:       data.Note,
			CreatedAt:  now,
		}}}
		if h := s.reassign(c, actor, now); h != nil {
			reassigned = true
			change.History = append(change.History, h)
		}
		return change, nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("rma transition", "case_id", id, "action", action, "from", from, "to", updated.Status, "actor", actor)
	s.applier.Invalidate(ctx, id)
	s.notifyTransition(ctx, messages.NotificationStatusChanged, updated, from, actor, data.Note)
	if reassigned {
		s.notify(ctx, messages.NotificationAssigned, updated, actor, "")
	}
	return updated, nil
}

// Escalate is the time-driven escalation used by the sweep. It is a no-op
// unless the case has sat in its status longer than the rule threshold.
func (s *Service) Escalate(ctx context.Context, id uint64) (*models.Case, bool, error) {
	return s.escalate(ctx, id, systemActor, "", true)
}

func (s *Service) escalate(ctx context.Context, id uint64, actor, note string, requireOverdue bool) (*models.Case, bool, error) {
	rules := s.rules.Current()
	var from models.CaseStatus
	var done bool
	updated, err := s.repo.MutateCase(ctx, id, func(c *models.Case) (*models.CaseChange, error) {
		done = false
		from = c.Status
		rule, ok := rules.EscalationFor(c.Status)
		if !ok {
			if requireOverdue {
				return nil, nil
			}
			return nil, errors.Wrapf(models.ErrInvalidTransition, "no escalation rule for %s", c.Status)
		}
		now := s.now()
		inStatus := now.Sub(c.StatusChangedAt)
		if requireOverdue && inStatus < rule.Threshold() {
			return nil, nil
		}
		to, ok := models.NextOnPrimaryPath(c.Status)
		if !ok {
			return nil, errors.Wrapf(models.ErrInvalidTransition, "cannot escalate from %s", c.Status)
		}
		if dir, needs := models.ShipmentLegFor(to); needs {
			if requireOverdue {
				return nil, nil
			}
			return nil, errors.Wrapf(models.ErrInvalidTransition, "%s requires %s shipment details", to, dir)
		}

		reason := fmt.Sprintf("in %s for %.0fh, threshold %dh", c.Status, inStatus.Hours(), rule.AfterHours)
		if note != "" {
			reason = note + " (" + reason + ")"
		}
		c.Status = to
		c.StatusChangedAt = now
		c.UpdatedAt = now
		c.Escalated = true
		c.EscalationLevel++
		change := &models.CaseChange{History: []*models.WorkflowHistory{{
			Action:     models.ActionEscalate,
			FromStatus: from,
			ToStatus:   to,
			Actor:      actor,
			Note:       reason,
			CreatedAt:  now,
		}}}
		assignee := rule.Assignee
		if assignee == "" {
			assignee = rules.AssigneeFor(c.Priority, to)
		}
		if assignee != "" && assignee != c.Assignee {
			c.Assignee = assignee
			change.History = append(change.History, &models.WorkflowHistory{
				Action:     models.ActionAssign,
				FromStatus: to,
				ToStatus:   to,
				Actor:      actor,
				Note:       "escalated to " + assignee,
				CreatedAt:  now,
			})
		}
		s.policy.Recompute(c, now)
		done = true
		return change, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !done {
		return updated, false, nil
	}

	slog.Warn("rma case escalated", "case_id", id, "from", from, "to", updated.Status, "level", updated.EscalationLevel, "assignee", updated.Assignee)
	s.applier.Invalidate(ctx, id)
	s.notifyTransition(ctx, messages.NotificationEscalated, updated, from, actor, note)
	s.notifyTransition(ctx, messages.NotificationStatusChanged, updated, from, actor, note)
	return updated, true, nil
}

// Assign sets the responsible party. An empty assignee means "use the
// assignment table".
func (s *Service) Assign(ctx context.Context, id uint64, assignee, actor string) (*models.Case, error) {
	assignee = strings.TrimSpace(assignee)
	actor = actorOr(actor)
	rules := s.rules.Current()
	var changed bool
	updated, err := s.repo.MutateCase(ctx, id, func(c *models.Case) (*models.CaseChange, error) {
		changed = false
		target := assignee
		if target == "" {
			target = rules.AssigneeFor(c.Priority, c.Status)
		}
		if target == "" {
			return nil, errors.Wrap(models.ErrValidation, "no assignee given and no assignment rule matches")
		}
		if target == c.Assignee {
			return nil, nil
		}
		now := s.now()
		note := fmt.Sprintf("assigned to %s", target)
		if c.Assignee != "" {
			note = fmt.Sprintf("reassigned from %s to %s", c.Assignee, target)
		}
		c.Assignee = target
		c.UpdatedAt = now
		changed = true
		return &models.CaseChange{History: []*models.WorkflowHistory{{
			Action:     models.ActionAssign,
			FromStatus: c.Status,
			ToStatus:   c.Status,
			Actor:      actor,
			Note:       note,
			CreatedAt:  now,
		}}}, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.applier.Invalidate(ctx, id)
		s.notify(ctx, messages.NotificationAssigned, updated, actor, "")
	}
	return updated, nil
}

// OverrideInput is an operator correction of one shipment leg.
type OverrideInput struct {
	Direction models.Direction      `json:"direction"`
	Status    models.ShipmentStatus `json:"status"`
	Location  string                `json:"location,omitempty"`
	Note      string                `json:"note,omitempty"`
	At        *time.Time            `json:"at,omitempty"`
	Actor     string                `json:"actor,omitempty"`
}

// OverrideShipment is the only path that may move a shipment status backwards.
func (s *Service) OverrideShipment(ctx context.Context, id uint64, in OverrideInput) (*models.Case, error) {
	if !in.Direction.Valid() {
		return nil, errors.Wrapf(models.ErrValidation, "direction %q", in.Direction)
	}
	if !in.Status.Valid() {
		return nil, errors.Wrapf(models.ErrValidation, "shipment status %q", in.Status)
	}
	at := s.now()
	if in.At != nil {
		at = in.At.UTC()
	}
	out, err := s.applier.Apply(ctx, models.Observation{
		CaseID:      id,
		Direction:   in.Direction,
		Status:      in.Status,
		StatusRaw:   "manual",
		EventTime:   at,
		Location:    in.Location,
		Description: in.Note,
		Source:      models.EventSourceManual,
		Actor:       actorOr(in.Actor),
	})
	if err != nil {
		return nil, err
	}
	return out.Case, nil
}

// OnDelivered fires the confirm action a delivery implies, when enabled.
// The action still goes through the transition table.
func (s *Service) OnDelivered(ctx context.Context, c *models.Case, dir models.Direction) error {
	if !s.autoConfirm {
		return nil
	}
	var action models.Action
	switch {
	case dir == models.DirectionOutbound && c.Status == models.CaseStatusReplacementShipped:
		action = models.ActionConfirmOutboundDelivery
	case dir == models.DirectionReturn && c.Status == models.CaseStatusFaultyPartReturned:
		action = models.ActionConfirmReturnDelivery
	default:
		return nil
	}
	_, err := s.Process(ctx, c.ID, action, ActionData{Actor: systemActor, Note: fmt.Sprintf("%s shipment delivered", dir)})
	if errors.Is(err, models.ErrInvalidTransition) {
		// кто-то успел перевести кейс раньше
		return nil
	}
	return err
}

// Purge hard-deletes a case with everything it owns.
func (s *Service) Purge(ctx context.Context, id uint64, actor string) error {
	if err := s.repo.DeleteCase(ctx, id); err != nil {
		return err
	}
	s.applier.Invalidate(ctx, id)
	slog.Warn("rma case purged", "case_id", id, "actor", actorOr(actor))
	return nil
}

func (s *Service) dispatch(d models.ShipmentDetails) (models.Shipment, error) {
	code := strings.ToUpper(strings.TrimSpace(d.CarrierCode))
	number := strings.TrimSpace(d.TrackingNumber)
	if code == "" || number == "" {
		return models.Shipment{}, errors.Wrap(models.ErrValidation, "carrierCode and trackingNumber are required")
	}
	ok, err := s.carriers.ValidateTrackingNumber(code, number)
	if err != nil {
		return models.Shipment{}, err
	}
	if !ok {
		return models.Shipment{}, errors.Wrapf(models.ErrInvalidFormat, "%s %q", code, number)
	}
	return models.Shipment{
		TrackingNumber:    number,
		CarrierCode:       code,
		ServiceLevel:      d.ServiceLevel,
		Status:            models.ShipmentStatusPending,
		ShippedAt:         utcPtr(d.ShippedAt),
		EstimatedDelivery: utcPtr(d.EstimatedDelivery),
		WeightKg:          d.WeightKg,
		LengthCm:          d.LengthCm,
		WidthCm:           d.WidthCm,
		HeightCm:          d.HeightCm,
		InsuredValue:      d.InsuredValue,
		SignatureRequired: d.SignatureRequired,
	}, nil
}

// reassign hands the case over when a status-specific assignment rule
// matches the new status. Priority-only rules apply at creation.
func (s *Service) reassign(c *models.Case, actor string, now time.Time) *models.WorkflowHistory {
	target, ok := s.rules.Current().StatusAssignee(c.Priority, c.Status)
	if !ok || target == c.Assignee {
		return nil
	}
	c.Assignee = target
	return &models.WorkflowHistory{
		Action:     models.ActionAssign,
		FromStatus: c.Status,
		ToStatus:   c.Status,
		Actor:      actor,
		Note:       "assigned to " + target,
		CreatedAt:  now,
	}
}

func (s *Service) notify(ctx context.Context, t messages.NotificationType, c *models.Case, actor, reason string) {
	n := messages.NewCaseNotification(t, int64(c.ID), s.now())
	n.CaseNumber = c.CaseNumber
	n.Status = string(c.Status)
	n.Priority = string(c.Priority)
	n.Assignee = c.Assignee
	n.Actor = actor
	n.Reason = reason
	s.notifier.Notify(ctx, n)
}

func (s *Service) notifyTransition(ctx context.Context, t messages.NotificationType, c *models.Case, from models.CaseStatus, actor, reason string) {
	n := messages.NewCaseNotification(t, int64(c.ID), s.now())
	n.CaseNumber = c.CaseNumber
	n.Status = string(c.Status)
	n.FromStatus = string(from)
	n.Priority = string(c.Priority)
	n.Assignee = c.Assignee
	n.Actor = actor
	n.Reason = reason
	n.Data = map[string]any{"escalationLevel": c.EscalationLevel}
	s.notifier.Notify(ctx, n)
}

func actorOr(a string) string {
	if a = strings.TrimSpace(a); a != "" {
		return a
	}
	return systemActor
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

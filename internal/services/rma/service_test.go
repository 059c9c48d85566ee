package rma

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/RMATrack/internal/broker/messages"
	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/integrations/carrier/adapters"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/notify"
	"github.com/BearBump/RMATrack/internal/services/sla"
	"github.com/BearBump/RMATrack/internal/services/tracking"
	"github.com/BearBump/RMATrack/internal/storage/memrma"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticRules struct{ rs *models.RuleSet }

func (s staticRules) Current() *models.RuleSet { return s.rs }

var testRules = &models.RuleSet{
	DefaultAssignee: "support",
	Assignment: []models.AssignmentRule{
		{Priority: models.PriorityCritical, Assignee: "oncall"},
		{Priority: models.PriorityHigh, Status: models.CaseStatusSentToVendor, Assignee: "vendor-desk"},
	},
	Escalation: []models.EscalationRule{
		{Status: models.CaseStatusUnderReview, AfterHours: 48, Assignee: "lead"},
		{Status: models.CaseStatusSentToVendor, AfterHours: 72},
	},
}

type fixture struct {
	store    *memrma.Storage
	pipeline *tracking.Pipeline
	svc      *Service
	notes    *notify.Recorder
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalogue := []models.Carrier{
		{Code: "DTDC", Adapter: "dtdc", Active: true, TrackingPattern: `^D\d{8}$`},
		{Code: "FAKE", Adapter: "fake", Active: true},
	}
	reg := carrier.NewRegistry(func() ([]models.Carrier, error) { return catalogue, nil }, adapters.Factories(), time.Second)
	require.NoError(t, reg.Reload(context.Background()))

	st := memrma.New()
	rec := notify.NewRecorder(128)
	clk := &clock{now: t0}
	p := tracking.NewPipeline(st, sla.DefaultPolicy(), nil, rec).WithClock(clk.Now)
	svc := New(st, reg, staticRules{testRules}, p, sla.DefaultPolicy(), rec).WithClock(clk.Now)
	p.WithDeliveryHook(svc)
	return &fixture{store: st, pipeline: p, svc: svc, notes: rec, clock: clk}
}

func (f *fixture) create(t *testing.T, prio models.Priority) *models.Case {
	t.Helper()
	c, err := f.svc.CreateCase(context.Background(), models.CaseCreateInput{
		Priority:     prio,
		SiteID:       "SITE-7",
		ProductModel: "R740",
		Symptoms:     "PSU failure",
		Actor:        "alice",
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) process(t *testing.T, id uint64, a models.Action, d ActionData) *models.Case {
	t.Helper()
	c, err := f.svc.Process(context.Background(), id, a, d)
	require.NoError(t, err, "action %s", a)
	return c
}

func actions(hs []*models.WorkflowHistory) []models.Action {
	out := make([]models.Action, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Action)
	}
	return out
}

func TestCreateCase(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "")

	assert.Equal(t, "RMA-2026-0001", c.CaseNumber)
	assert.Equal(t, models.CaseStatusUnderReview, c.Status)
	assert.Equal(t, models.PriorityMedium, c.Priority)
	assert.Equal(t, models.WarrantyUnknown, c.WarrantyStatus)
	assert.Equal(t, "support", c.Assignee)
	assert.Equal(t, 72, c.SLA.TargetHours)
	assert.Equal(t, 3, c.SLA.TargetDeliveryDays)
	assert.Equal(t, models.ShipmentStatusPending, c.Outbound.Status)
	assert.Equal(t, models.DirectionReturn, c.Return.Direction)

	hs, err := f.svc.History(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, models.ActionCreated, hs[0].Action)
	assert.Equal(t, "alice", hs[0].Actor)

	assert.Equal(t,
		[]messages.NotificationType{messages.NotificationCaseCreated, messages.NotificationAssigned},
		notify.Types(f.notes.Drain()))

	second := f.create(t, models.PriorityLow)
	assert.Equal(t, "RMA-2026-0002", second.CaseNumber)
}

func TestCreateCase_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateCase(ctx, models.CaseCreateInput{SiteID: " "})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.CreateCase(ctx, models.CaseCreateInput{SiteID: "S", Priority: "urgent"})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.CreateCase(ctx, models.CaseCreateInput{SiteID: "S", WarrantyStatus: "lifetime"})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestProcess_InvalidTransitionLeavesCaseUntouched(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, models.PriorityMedium)
	f.notes.Drain()

	_, err := f.svc.Process(context.Background(), c.ID, models.ActionComplete, ActionData{Actor: "bob"})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	got, err := f.svc.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusUnderReview, got.Status)
	assert.Equal(t, c.UpdatedAt, got.UpdatedAt)

	hs, err := f.svc.History(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, hs, 1)
	assert.Empty(t, f.notes.Drain())
}

func TestProcess_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, models.PriorityHigh)
	f.notes.Drain()

	f.clock.Advance(time.Hour)
	c = f.process(t, c.ID, models.ActionSubmitToVendor, ActionData{Actor: "alice", Note: "ticket #12"})
	assert.Equal(t, models.CaseStatusSentToVendor, c.Status)
	assert.Equal(t, "vendor-desk", c.Assignee)
	assert.Equal(t, t0.Add(time.Hour), c.StatusChangedAt)

	c = f.process(t, c.ID, models.ActionRecordApproval, ActionData{})
	c = f.process(t, c.ID, models.ActionRecordOutboundShipment, ActionData{
		Shipment: &models.ShipmentDetails{CarrierCode: "dtdc", TrackingNumber: "D12345678", WeightKg: 2.5},
	})
	assert.Equal(t, models.CaseStatusReplacementShipped, c.Status)
	assert.Equal(t, "DTDC", c.Outbound.CarrierCode)
	assert.Equal(t, "D12345678", c.Outbound.TrackingNumber)
	assert.Equal(t, models.ShipmentStatusPending, c.Outbound.Status)
	require.NotNil(t, c.Outbound.ShippedAt)
	assert.Equal(t, models.DirectionOutbound, c.Outbound.Direction)

	refs, err := f.store.FindShipments(ctx, "DTDC", "D12345678")
	require.NoError(t, err)
	assert.Equal(t, []models.ShipmentRef{{CaseID: c.ID, Direction: models.DirectionOutbound}}, refs)

	c = f.process(t, c.ID, models.ActionConfirmOutboundDelivery, ActionData{})
	c = f.process(t, c.ID, models.ActionConfirmInstallation, ActionData{})
	c = f.process(t, c.ID, models.ActionInitiateReturn, ActionData{
		Shipment: &models.ShipmentDetails{CarrierCode: "FAKE", TrackingNumber: "RET-1"},
	})
	assert.Equal(t, "RET-1", c.Return.TrackingNumber)
	c = f.process(t, c.ID, models.ActionConfirmReturnDelivery, ActionData{})

	f.clock.Advance(time.Hour)
	c = f.process(t, c.ID, models.ActionComplete, ActionData{Actor: "alice"})
	assert.Equal(t, models.CaseStatusCompleted, c.Status)
	require.NotNil(t, c.CompletedAt)
	assert.Equal(t, t0.Add(2*time.Hour), *c.CompletedAt)

	hs, err := f.svc.History(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.Action{
		models.ActionCreated,
		models.ActionSubmitToVendor,
		models.ActionAssign,
		models.ActionRecordApproval,
		models.ActionRecordOutboundShipment,
		models.ActionConfirmOutboundDelivery,
		models.ActionConfirmInstallation,
		models.ActionInitiateReturn,
		models.ActionConfirmReturnDelivery,
		models.ActionComplete,
	}, actions(hs))
	assert.Equal(t, "ticket #12", hs[1].Note)
	assert.Equal(t, models.CaseStatusUnderReview, hs[1].FromStatus)

	d, err := f.svc.Detail(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, d.Summary.Progress)
	assert.Empty(t, d.AvailableActions)
}

func TestProcess_RejectionIsTerminal(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, models.PriorityLow)
	c = f.process(t, c.ID, models.ActionSubmitToVendor, ActionData{})
	c = f.process(t, c.ID, models.ActionRecordRejection, ActionData{Note: "out of warranty"})
	assert.Equal(t, models.CaseStatusRejected, c.Status)
	require.NotNil(t, c.CompletedAt)

	_, err := f.svc.Process(context.Background(), c.ID, models.ActionRecordApproval, ActionData{})
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestProcess_ShipmentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, models.PriorityMedium)
	f.process(t, c.ID, models.ActionSubmitToVendor, ActionData{})
	f.process(t, c.ID, models.ActionRecordApproval, ActionData{})

	_, err := f.svc.Process(ctx, c.ID, models.ActionRecordOutboundShipment, ActionData{})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.Process(ctx, c.ID, models.ActionRecordOutboundShipment, ActionData{
		Shipment: &models.ShipmentDetails{CarrierCode: "UPS", TrackingNumber: "1Z"},
	})
	require.ErrorIs(t, err, models.ErrUnknownCarrier)

	_, err = f.svc.Process(ctx, c.ID, models.ActionRecordOutboundShipment, ActionData{
		Shipment: &models.ShipmentDetails{CarrierCode: "DTDC", TrackingNumber: "X999"},
	})
	require.ErrorIs(t, err, models.ErrInvalidFormat)

	got, err := f.svc.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusVendorApproved, got.Status)
	assert.Empty(t, got.Outbound.TrackingNumber)
}

func TestProcess_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Process(context.Background(), 404, models.ActionSubmitToVendor, ActionData{})
	require.ErrorIs(t, err, models.ErrCaseNotFound)
}

func TestProcess_ManualEscalate(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, models.PriorityMedium)

	c, err := f.svc.Process(context.Background(), c.ID, models.ActionEscalate, ActionData{Actor: "alice", Note: "customer called"})
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusSentToVendor, c.Status)
	assert.True(t, c.Escalated)
	assert.Equal(t, 1, c.EscalationLevel)
	assert.Equal(t, "lead", c.Assignee)

	c = f.process(t, c.ID, models.ActionRecordApproval, ActionData{})
	_, err = f.svc.Process(context.Background(), c.ID, models.ActionEscalate, ActionData{})
	require.ErrorIs(t, err, models.ErrInvalidTransition, "no rule for vendor_approved")
}

func TestEscalate_NeverSkipsShipmentRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.rules = staticRules{&models.RuleSet{
		DefaultAssignee: "support",
		// bypasses RuleSet.Validate, as a table loaded before the check would
		Escalation: []models.EscalationRule{{Status: models.CaseStatusVendorApproved, AfterHours: 24}},
	}}
	c := f.create(t, models.PriorityMedium)
	f.process(t, c.ID, models.ActionSubmitToVendor, ActionData{})
	f.process(t, c.ID, models.ActionRecordApproval, ActionData{})

	f.clock.Advance(25 * time.Hour)
	got, done, err := f.svc.Escalate(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, models.CaseStatusVendorApproved, got.Status)
	assert.Zero(t, got.EscalationLevel)

	_, err = f.svc.Process(ctx, c.ID, models.ActionEscalate, ActionData{Actor: "alice"})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	d, err := f.svc.Detail(ctx, c.ID)
	require.NoError(t, err)
	assert.NotContains(t, d.AvailableActions, models.ActionEscalate)
	assert.Empty(t, d.Outbound.TrackingNumber)
}

func TestEscalate_OnlyWhenOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, models.PriorityMedium)
	f.notes.Drain()

	f.clock.Advance(47 * time.Hour)
	got, done, err := f.svc.Escalate(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, models.CaseStatusUnderReview, got.Status)

	f.clock.Advance(3 * time.Hour)
	got, done, err = f.svc.Escalate(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, models.CaseStatusSentToVendor, got.Status)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, "lead", got.Assignee)
	assert.Equal(t,
		[]messages.NotificationType{messages.NotificationEscalated, messages.NotificationStatusChanged},
		notify.Types(f.notes.Drain()))

	// the status clock was reset, so an immediate second sweep does nothing
	_, done, err = f.svc.Escalate(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, done)

	hs, err := f.svc.History(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []models.Action{models.ActionCreated, models.ActionEscalate, models.ActionAssign}, actions(hs))
	assert.Contains(t, hs[1].Note, "50h")
	assert.Equal(t, models.CaseStatusUnderReview, hs[1].FromStatus)
}

func TestAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, models.PriorityMedium)
	f.notes.Drain()

	c, err := f.svc.Assign(ctx, c.ID, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", c.Assignee)

	// same assignee: nothing recorded
	_, err = f.svc.Assign(ctx, c.ID, "bob", "alice")
	require.NoError(t, err)

	c, err = f.svc.Assign(ctx, c.ID, "", "alice")
	require.NoError(t, err)
	assert.Equal(t, "support", c.Assignee)

	hs, err := f.svc.History(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []models.Action{models.ActionCreated, models.ActionAssign, models.ActionAssign}, actions(hs))
	assert.Equal(t, "reassigned from bob to support", hs[2].Note)
	assert.Len(t, f.notes.Drain(), 2)
}

func TestCriticalCaseBreachesDeliveryTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, models.PriorityCritical)
	assert.Equal(t, "oncall", c.Assignee)
	assert.Equal(t, 4, c.SLA.TargetHours)

	f.process(t, c.ID, models.ActionSubmitToVendor, ActionData{})
	f.process(t, c.ID, models.ActionRecordApproval, ActionData{})
	f.process(t, c.ID, models.ActionRecordOutboundShipment, ActionData{
		Shipment: &models.ShipmentDetails{CarrierCode: "DTDC", TrackingNumber: "D00000001"},
	})

	f.clock.Advance(5 * 24 * time.Hour)
	out, err := f.pipeline.Apply(ctx, models.Observation{
		CaseID:         c.ID,
		Direction:      models.DirectionOutbound,
		CarrierCode:    "DTDC",
		TrackingNumber: "D00000001",
		Status:         models.ShipmentStatusDelivered,
		EventTime:      f.clock.Now(),
		Source:         models.EventSourceWebhook,
	})
	require.NoError(t, err)
	require.True(t, out.Applied)
	assert.True(t, out.Case.SLA.OutboundBreached)

	breached, err := f.svc.ListSLABreaches(ctx)
	require.NoError(t, err)
	require.Len(t, breached, 1)
	assert.Equal(t, c.ID, breached[0].ID)

	d, err := f.svc.Detail(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, d.Summary.Risk)
}

func TestOnDelivered_AutoConfirms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, models.PriorityMedium)
	f.process(t, c.ID, models.ActionSubmitToVendor, ActionData{})
	f.process(t, c.ID, models.ActionRecordApproval, ActionData{})
	f.process(t, c.ID, models.ActionRecordOutboundShipment, ActionData{
		Shipment: &models.ShipmentDetails{CarrierCode: "DTDC", TrackingNumber: "D12345678"},
	})

	f.clock.Advance(24 * time.Hour)
	_, err := f.pipeline.Apply(ctx, models.Observation{
		CaseID:         c.ID,
		Direction:      models.DirectionOutbound,
		TrackingNumber: "D12345678",
		Status:         models.ShipmentStatusDelivered,
		EventTime:      f.clock.Now(),
		Source:         models.EventSourceWebhook,
	})
	require.NoError(t, err)

	got, err := f.svc.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusReplacementReceived, got.Status)
	assert.Equal(t, models.ShipmentStatusDelivered, got.Outbound.Status)

	hs, err := f.svc.History(ctx, c.ID)
	require.NoError(t, err)
	last := hs[len(hs)-1]
	assert.Equal(t, models.ActionConfirmOutboundDelivery, last.Action)
	assert.Equal(t, "system", last.Actor)
}

func TestOnDelivered_Disabled(t *testing.T) {
	f := newFixture(t)
	f.svc.WithAutoConfirm(false)
	c := &models.Case{ID: 1, Status: models.CaseStatusReplacementShipped}
	require.NoError(t, f.svc.OnDelivered(context.Background(), c, models.DirectionOutbound))
}

func TestOverrideShipment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, models.PriorityMedium)

	_, err := f.svc.OverrideShipment(ctx, c.ID, OverrideInput{Direction: "sideways", Status: models.ShipmentStatusInTransit})
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = f.svc.OverrideShipment(ctx, c.ID, OverrideInput{Direction: models.DirectionReturn, Status: "lost"})
	require.ErrorIs(t, err, models.ErrValidation)

	got, err := f.svc.OverrideShipment(ctx, c.ID, OverrideInput{
		Direction: models.DirectionReturn,
		Status:    models.ShipmentStatusInTransit,
		Note:      "picked up by hand",
		Actor:     "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusInTransit, got.Return.Status)

	evs, err := f.store.ListEvents(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventSourceManual, evs[0].Source)
}

func TestRecordShipment_KeepsOverrideEventFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, models.PriorityMedium)
	f.process(t, c.ID, models.ActionSubmitToVendor, ActionData{})
	f.process(t, c.ID, models.ActionRecordApproval, ActionData{})

	handed := t0.Add(6 * time.Hour)
	_, err := f.svc.OverrideShipment(ctx, c.ID, OverrideInput{
		Direction: models.DirectionOutbound,
		Status:    models.ShipmentStatusPickedUp,
		At:        &handed,
		Actor:     "ops",
	})
	require.NoError(t, err)

	c = f.process(t, c.ID, models.ActionRecordOutboundShipment, ActionData{
		Shipment: &models.ShipmentDetails{CarrierCode: "DTDC", TrackingNumber: "D12345678"},
	})
	require.NotNil(t, c.Outbound.LastEventAt)
	assert.Equal(t, handed, c.Outbound.LastEventAt.UTC())

	// a carrier event stamped before the override must not go back in time
	_, err = f.pipeline.Apply(ctx, models.Observation{
		CaseID:         c.ID,
		Direction:      models.DirectionOutbound,
		TrackingNumber: "D12345678",
		Status:         models.ShipmentStatusInTransit,
		EventTime:      t0.Add(time.Hour),
		Source:         models.EventSourceWebhook,
	})
	require.NoError(t, err)

	evs, err := f.store.ListEvents(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, handed, evs[1].Timestamp.UTC())
	assert.Equal(t, t0.Add(time.Hour), evs[1].ReportedAt.UTC())
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, models.PriorityLow)

	require.NoError(t, f.svc.Purge(ctx, c.ID, "admin"))
	_, err := f.svc.GetCase(ctx, c.ID)
	require.ErrorIs(t, err, models.ErrCaseNotFound)
	require.ErrorIs(t, f.svc.Purge(ctx, c.ID, "admin"), models.ErrCaseNotFound)
}

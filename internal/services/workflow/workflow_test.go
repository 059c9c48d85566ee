package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/RMATrack/config"
	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/integrations/carrier/adapters"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/notify"
	"github.com/BearBump/RMATrack/internal/services/rma"
	"github.com/BearBump/RMATrack/internal/services/sla"
	"github.com/BearBump/RMATrack/internal/services/tracking"
	"github.com/BearBump/RMATrack/internal/storage/memrma"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

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

type env struct {
	store  *memrma.Storage
	rules  *Rules
	svc    *rma.Service
	engine *Engine
	clock  *clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := carrier.NewRegistry(func() ([]models.Carrier, error) {
		return []models.Carrier{{Code: "FAKE", Adapter: "fake", Active: true}}, nil
	}, adapters.Factories(), time.Second)
	require.NoError(t, reg.Reload(context.Background()))

	st := memrma.New()
	clk := &clock{now: t0}
	rules := NewRules(st, &models.RuleSet{
		DefaultAssignee: "desk",
		Escalation: []models.EscalationRule{
			{Status: models.CaseStatusUnderReview, AfterHours: 48, Assignee: "lead"},
		},
	})
	p := tracking.NewPipeline(st, sla.DefaultPolicy(), nil, notify.Discard).WithClock(clk.Now)
	svc := rma.New(st, reg, rules, p, sla.DefaultPolicy(), notify.Discard).WithClock(clk.Now)
	return &env{store: st, rules: rules, svc: svc, engine: NewEngine(st, rules, svc, svc).WithPageSize(2), clock: clk}
}

func (e *env) create(t *testing.T) *models.Case {
	t.Helper()
	c, err := e.svc.CreateCase(context.Background(), models.CaseCreateInput{SiteID: "SITE-1", Priority: models.PriorityHigh})
	require.NoError(t, err)
	return c
}

func TestAutoEscalate_ExactlyOneStep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	stuck := e.create(t)
	e.clock.Advance(10 * time.Hour)
	fresh := e.create(t)
	e.create(t)

	e.clock.Advance(40 * time.Hour)
	rep, err := e.engine.AutoEscalate(ctx, e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, []uint64{stuck.ID}, rep.Escalated)

	got, err := e.svc.GetCase(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusSentToVendor, got.Status)
	assert.True(t, got.Escalated)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, "lead", got.Assignee)

	hs, err := e.store.ListHistory(ctx, stuck.ID)
	require.NoError(t, err)
	var escalations int
	for _, h := range hs {
		if h.Action == models.ActionEscalate {
			escalations++
			assert.Equal(t, models.CaseStatusUnderReview, h.FromStatus)
			assert.Equal(t, models.CaseStatusSentToVendor, h.ToStatus)
			assert.NotEmpty(t, h.Note)
		}
	}
	assert.Equal(t, 1, escalations)

	rep, err = e.engine.AutoEscalate(ctx, e.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, rep.Escalated)

	got, err = e.svc.GetCase(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusUnderReview, got.Status)
}

type failingEscalator struct {
	fail  uint64
	calls []uint64
}

func (f *failingEscalator) Escalate(ctx context.Context, id uint64) (*models.Case, bool, error) {
	f.calls = append(f.calls, id)
	if id == f.fail {
		return nil, false, models.ErrProviderUnavailable
	}
	return &models.Case{ID: id}, true, nil
}

func TestAutoEscalate_FailureIsolated(t *testing.T) {
	e := newEnv(t)
	a := e.create(t)
	b := e.create(t)
	c := e.create(t)

	esc := &failingEscalator{fail: b.ID}
	eng := NewEngine(e.store, e.rules, esc, e.svc).WithPageSize(1)
	rep, err := eng.AutoEscalate(context.Background(), t0.Add(49*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.ID, b.ID, c.ID}, esc.calls)
	assert.Equal(t, []uint64{a.ID, c.ID}, rep.Escalated)
	assert.Equal(t, 1, rep.Failed)
}

func TestRules_ReplaceIsSeenByOtherHolder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.rules.Replace(ctx, &models.RuleSet{
		Escalation: []models.EscalationRule{{Status: models.CaseStatusCompleted, AfterHours: 1}},
	}, "admin")
	require.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, "desk", e.rules.Current().DefaultAssignee)

	saved, err := e.rules.Replace(ctx, &models.RuleSet{
		DefaultAssignee: " tier2 ",
		Assignment:      []models.AssignmentRule{{Priority: models.PriorityHigh, Assignee: "hi-desk"}},
		Escalation:      []models.EscalationRule{{Status: models.CaseStatusSentToVendor, AfterHours: 24}},
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)
	assert.Equal(t, "tier2", e.rules.Current().DefaultAssignee)

	// a second process sharing the store picks it up on refresh
	worker := NewRules(e.store, nil)
	assert.Equal(t, "rma-desk", worker.Current().DefaultAssignee)
	require.NoError(t, worker.Refresh(ctx))
	assert.Equal(t, int64(1), worker.Current().Version)
	_, ok := worker.Current().EscalationFor(models.CaseStatusUnderReview)
	assert.False(t, ok)

	c := e.create(t)
	assert.Equal(t, "hi-desk", e.engine.AutoAssign(c))
}

func TestApplyAssignment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.create(t)
	_, err := e.svc.Assign(ctx, c.ID, "someone", "bob")
	require.NoError(t, err)

	got, err := e.engine.ApplyAssignment(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "desk", got.Assignee)
}

func TestRulesFromConfig(t *testing.T) {
	rs, err := RulesFromConfig(config.RMATrackConfig{
		DefaultAssignee: "ops",
		AssignmentRules: []config.AssignmentRuleConfig{{Priority: "Critical", Assignee: "oncall"}},
		EscalationRules: []config.EscalationRuleConfig{{Status: "sent_to_vendor", AfterHours: 12, Assignee: "vendor-mgr"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ops", rs.DefaultAssignee)
	assert.Equal(t, "oncall", rs.AssigneeFor(models.PriorityCritical, models.CaseStatusUnderReview))
	require.Len(t, rs.Escalation, 1)
	assert.Equal(t, 12*time.Hour, rs.Escalation[0].Threshold())

	rs, err = RulesFromConfig(config.RMATrackConfig{})
	require.NoError(t, err)
	assert.Len(t, rs.Escalation, 2)

	_, err = RulesFromConfig(config.RMATrackConfig{
		EscalationRules: []config.EscalationRuleConfig{{Status: "under_review"}},
	})
	require.ErrorIs(t, err, models.ErrValidation)
}

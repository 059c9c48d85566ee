package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/notify"
	"github.com/BearBump/RMATrack/internal/services/sla"
	"github.com/BearBump/RMATrack/internal/storage/memrma"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memrma.Storage
	notifier *notify.Recorder
	pipeline *Pipeline
	clock    *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memrma.New()
	rec := notify.NewRecorder(64)
	clk := &clock{now: t0}
	p := NewPipeline(st, sla.DefaultPolicy(), nil, rec).WithClock(clk.Now)
	return &fixture{store: st, notifier: rec, pipeline: p, clock: clk}
}

// seedCase stores a case whose outbound leg is dispatched with DTDC number D1.
func (f *fixture) seedCase(t *testing.T, prio models.Priority) *models.Case {
	t.Helper()
	shipped := t0
	c, err := f.store.CreateCase(context.Background(), &models.Case{
		Status:          models.CaseStatusReplacementShipped,
		Priority:        prio,
		SiteID:          "SITE-1",
		CreatedAt:       t0,
		UpdatedAt:       t0,
		StatusChangedAt: t0,
		Outbound: models.Shipment{
			Direction:      models.DirectionOutbound,
			TrackingNumber: "D1",
			CarrierCode:    "DTDC",
			Status:         models.ShipmentStatusPending,
			ShippedAt:      &shipped,
		},
		Return: models.Shipment{Direction: models.DirectionReturn, Status: models.ShipmentStatusPending},
		SLA:    models.SLARecord{TargetDeliveryDays: 3},
	}, nil)
	require.NoError(t, err)
	return c
}

func (f *fixture) events(t *testing.T, caseID uint64, dir models.Direction) []*models.TrackingEvent {
	t.Helper()
	all, err := f.store.ListEvents(context.Background(), caseID)
	require.NoError(t, err)
	var out []*models.TrackingEvent
	for _, e := range all {
		if e.Direction == dir {
			out = append(out, e)
		}
	}
	return out
}

func obs(caseID uint64, st models.ShipmentStatus, at time.Time, src models.EventSource) models.Observation {
	return models.Observation{
		CaseID:         caseID,
		Direction:      models.DirectionOutbound,
		CarrierCode:    "DTDC",
		TrackingNumber: "D1",
		Status:         st,
		StatusRaw:      string(st),
		EventTime:      at,
		Source:         src,
	}
}

// assertLogConsistent checks that the leg log is timestamp-ordered and that
// the snapshot status equals the last event.
func assertLogConsistent(t *testing.T, f *fixture, caseID uint64, dir models.Direction) {
	t.Helper()
	evs := f.events(t, caseID, dir)
	for i := 1; i < len(evs); i++ {
		require.False(t, evs[i].Timestamp.Before(evs[i-1].Timestamp), "event %d goes back in time", i)
	}
	c, err := f.store.GetCase(context.Background(), caseID)
	require.NoError(t, err)
	if len(evs) > 0 {
		require.Equal(t, evs[len(evs)-1].Status, c.Shipment(dir).Status)
	}
}

type stubAdapter struct {
	mu    sync.Mutex
	code  string
	res   carrier.TrackResult
	err   error
	calls int
}

func (a *stubAdapter) Code() string { return a.code }

func (a *stubAdapter) Track(ctx context.Context, n string) (carrier.TrackResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.res, a.err
}

func (a *stubAdapter) set(res carrier.TrackResult, err error) {
	a.mu.Lock()
	a.res, a.err = res, err
	a.mu.Unlock()
}

func (a *stubAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type stubResolver struct {
	adapters map[string]carrier.Adapter
	carriers map[string]models.Carrier
	reloads  int
}

func (r *stubResolver) Reload(ctx context.Context) error {
	r.reloads++
	return nil
}

func (r *stubResolver) Resolve(code string) (carrier.Adapter, error) {
	if a, ok := r.adapters[code]; ok {
		return a, nil
	}
	return nil, models.ErrUnknownCarrier
}

func (r *stubResolver) Carrier(code string) (models.Carrier, error) {
	if c, ok := r.carriers[code]; ok {
		return c, nil
	}
	return models.Carrier{}, models.ErrUnknownCarrier
}

func (r *stubResolver) BuildTrackingURL(code, number string) (string, error) {
	return "https://track.example/" + code + "/" + number, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, carrierCode string, perMinute int64) (bool, error) {
	return false, nil
}

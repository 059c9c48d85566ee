package tracking

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/RMATrack/internal/cache/rediscache"
	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/models"
)

func newOrchestrator(f *fixture, ad *stubAdapter, rl RateLimiter) (*Orchestrator, *stubResolver) {
	res := &stubResolver{
		adapters: map[string]carrier.Adapter{"DTDC": ad},
		carriers: map[string]models.Carrier{"DTDC": {Code: "DTDC", Active: true}},
	}
	o := NewOrchestrator(f.store, res, f.pipeline, rl)
	o.now = f.clock.Now
	return o, res
}

func TestOrchestrator_RefreshCaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.seedCase(t, models.PriorityHigh)
	at := t0.Add(3 * time.Hour)
	ad := &stubAdapter{code: "DTDC", res: carrier.TrackResult{
		Status:    models.ShipmentStatusInTransit,
		StatusRaw: "IBMD",
		Points: []models.TrackingPoint{
			{Status: models.ShipmentStatusPickedUp, Time: t0.Add(time.Hour), Location: "Delhi"},
			{Status: models.ShipmentStatusInTransit, Time: at, Location: "Mumbai Hub", Description: "In transit"},
		},
	}}
	o, _ := newOrchestrator(f, ad, nil)
	ctx := context.Background()

	res, err := o.RefreshCase(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	require.Equal(t, 1, res.Changed())
	require.Zero(t, res.Failed())

	res, err = o.RefreshCase(ctx, c.ID)
	require.NoError(t, err)
	require.Zero(t, res.Changed())

	evs := f.events(t, c.ID, models.DirectionOutbound)
	require.Len(t, evs, 1)
	require.Equal(t, at, evs[0].Timestamp)
	require.Equal(t, "Mumbai Hub", evs[0].Location)
	require.Equal(t, models.EventSourceAPI, evs[0].Source)
	require.Equal(t, 2, ad.Calls())
}

func TestOrchestrator_AdapterErrorLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	c := f.seedCase(t, models.PriorityHigh)
	ad := &stubAdapter{code: "DTDC", err: carrier.Unavailable("DTDC", context.DeadlineExceeded)}
	o, _ := newOrchestrator(f, ad, nil)
	ctx := context.Background()

	res, err := o.RefreshCase(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed())
	require.ErrorIs(t, res.Legs[0].Err(), models.ErrProviderUnavailable)

	got, err := f.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusPending, got.Outbound.Status)
	require.Equal(t, int32(1), got.Outbound.CheckFailCount)
	require.Empty(t, f.events(t, c.ID, models.DirectionOutbound))

	// следующий цикл: провайдер ожил
	ad.set(carrier.TrackResult{Status: models.ShipmentStatusPickedUp}, nil)
	res, err = o.RefreshCase(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Changed())
}

func TestOrchestrator_TerminalLegsOnlyOnConfirm(t *testing.T) {
	f := newFixture(t)
	c := f.seedCase(t, models.PriorityHigh)
	ctx := context.Background()
	_, err := f.pipeline.Apply(ctx, obs(c.ID, models.ShipmentStatusDelivered, t0.Add(time.Hour), models.EventSourceWebhook))
	require.NoError(t, err)

	ad := &stubAdapter{code: "DTDC", res: carrier.TrackResult{Status: models.ShipmentStatusDelivered}}
	o, _ := newOrchestrator(f, ad, nil)

	res, err := o.RefreshCase(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, res.Legs)
	require.Zero(t, ad.Calls())

	res, err = o.ConfirmCase(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	require.False(t, res.Legs[0].Changed)
	require.Equal(t, 1, ad.Calls())
}

func TestOrchestrator_BothLegsInParallel(t *testing.T) {
	f := newFixture(t)
	c := f.seedCase(t, models.PriorityHigh)
	ctx := context.Background()
	_, err := f.store.MutateCase(ctx, c.ID, func(w *models.Case) (*models.CaseChange, error) {
		w.Return.TrackingNumber = "D2"
		w.Return.CarrierCode = "DTDC"
		return &models.CaseChange{}, nil
	})
	require.NoError(t, err)

	ad := &stubAdapter{code: "DTDC", res: carrier.TrackResult{Status: models.ShipmentStatusInTransit}}
	o, _ := newOrchestrator(f, ad, nil)

	res, err := o.RefreshCase(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.Changed())

	got, _ := f.store.GetCase(ctx, c.ID)
	require.Equal(t, models.ShipmentStatusInTransit, got.Outbound.Status)
	require.Equal(t, models.ShipmentStatusInTransit, got.Return.Status)
}

func TestOrchestrator_UnknownCarrier(t *testing.T) {
	f := newFixture(t)
	c := f.seedCase(t, models.PriorityHigh)
	o := NewOrchestrator(f.store, &stubResolver{}, f.pipeline, nil)

	res, err := o.RefreshCase(context.Background(), c.ID)
	require.NoError(t, err)
	require.ErrorIs(t, res.Legs[0].Err(), models.ErrUnknownCarrier)
}

func TestOrchestrator_RateLimited(t *testing.T) {
	f := newFixture(t)
	c := f.seedCase(t, models.PriorityHigh)
	ad := &stubAdapter{code: "DTDC", res: carrier.TrackResult{Status: models.ShipmentStatusInTransit}}
	o, _ := newOrchestrator(f, ad, denyLimiter{})

	res, err := o.RefreshCase(context.Background(), c.ID)
	require.NoError(t, err)
	require.ErrorIs(t, res.Legs[0].Err(), models.ErrRateLimited)
	require.Zero(t, ad.Calls())

	got, _ := f.store.GetCase(context.Background(), c.ID)
	require.Zero(t, got.Outbound.CheckFailCount)
}

func TestOrchestrator_RedisRateLimitPerCarrier(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newFixture(t)
	c := f.seedCase(t, models.PriorityHigh)
	ad := &stubAdapter{code: "DTDC", res: carrier.TrackResult{Status: models.ShipmentStatusInTransit}}
	o, res := newOrchestrator(f, ad, rediscache.NewCarrierLimiter(rediscache.Connect(mr.Addr())))
	res.carriers["DTDC"] = models.Carrier{Code: "DTDC", RateLimitPerMinute: 1}

	_, err := o.RefreshCase(context.Background(), c.ID)
	require.NoError(t, err)
	out, err := o.RefreshCase(context.Background(), c.ID)
	require.NoError(t, err)
	require.ErrorIs(t, out.Legs[0].Err(), models.ErrRateLimited)
	require.Equal(t, 1, ad.Calls())
}

func TestOrchestrator_CaseNotFound(t *testing.T) {
	f := newFixture(t)
	o, _ := newOrchestrator(f, &stubAdapter{}, nil)
	_, err := o.RefreshCase(context.Background(), 999)
	require.ErrorIs(t, err, models.ErrCaseNotFound)
}

func TestOrchestrator_ReloadCarriers(t *testing.T) {
	f := newFixture(t)
	o, res := newOrchestrator(f, &stubAdapter{}, nil)
	o.ReloadCarriers(context.Background())
	require.Equal(t, 1, res.reloads)
}

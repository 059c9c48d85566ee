package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/models"
)

type Resolver interface {
	Reload(ctx context.Context) error
	Resolve(code string) (carrier.Adapter, error)
	Carrier(code string) (models.Carrier, error)
}

// RateLimiter spends one call of a carrier's per-minute budget.
type RateLimiter interface {
	Allow(ctx context.Context, carrierCode string, perMinute int64) (bool, error)
}

// LegResult is the outcome of one carrier call.
type LegResult struct {
	Direction models.Direction      `json:"direction"`
	Status    models.ShipmentStatus `json:"status"`
	Changed   bool                  `json:"changed"`
	Error     string                `json:"error,omitempty"`

	err error
}

func (r LegResult) Err() error { return r.err }

type RefreshResult struct {
	CaseID uint64      `json:"caseId"`
	Legs   []LegResult `json:"legs"`
}

// Failed counts legs whose carrier call did not produce a status.
func (r RefreshResult) Failed() int {
	n := 0
	for _, l := range r.Legs {
		if l.err != nil {
			n++
		}
	}
	return n
}

func (r RefreshResult) Changed() int {
	n := 0
	for _, l := range r.Legs {
		if l.Changed {
			n++
		}
	}
	return n
}

// Orchestrator polls carriers for a case and feeds the replies into the pipeline.
type Orchestrator struct {
	repo     Repository
	registry Resolver
	pipeline *Pipeline
	rl       RateLimiter

	rateLimitPerMinute int64
	now                func() time.Time
}

func NewOrchestrator(repo Repository, registry Resolver, pipeline *Pipeline, rl RateLimiter) *Orchestrator {
	return &Orchestrator{
		repo:               repo,
		registry:           registry,
		pipeline:           pipeline,
		rl:                 rl,
		rateLimitPerMinute: 120,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) WithRateLimit(perMinute int) *Orchestrator {
	if perMinute > 0 {
		o.rateLimitPerMinute = int64(perMinute)
	}
	return o
}

// ReloadCarriers re-reads the carrier catalogue. A failed reload keeps the
// previous registry state, so it is logged and not returned.
func (o *Orchestrator) ReloadCarriers(ctx context.Context) {
	if err := o.registry.Reload(ctx); err != nil {
		slog.Error("reload carriers", "error", err.Error())
	}
}

// RefreshCase polls the non-terminal legs of a case.
func (o *Orchestrator) RefreshCase(ctx context.Context, caseID uint64) (RefreshResult, error) {
	return o.refresh(ctx, caseID, false)
}

// ConfirmCase polls every leg that has a tracking number, terminal ones included.
// The full sweep uses it to catch late terminal confirmations.
func (o *Orchestrator) ConfirmCase(ctx context.Context, caseID uint64) (RefreshResult, error) {
	return o.refresh(ctx, caseID, true)
}

func (o *Orchestrator) refresh(ctx context.Context, caseID uint64, includeTerminal bool) (RefreshResult, error) {
	c, err := o.repo.GetCase(ctx, caseID)
	if err != nil {
		return RefreshResult{}, err
	}

	var legs []models.Shipment
	for _, dir := range models.Directions {
		sh := *c.Shipment(dir)
		sh.Direction = dir
		if sh.TrackingNumber == "" {
			continue
		}
		if sh.Status.Terminal() && !includeTerminal {
			continue
		}
		legs = append(legs, sh)
	}

	res := RefreshResult{CaseID: caseID, Legs: make([]LegResult, len(legs))}
	// two legs touch disjoint parts of the case, the pipeline serialises the writes
	var wg sync.WaitGroup
	for i, sh := range legs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.Legs[i] = o.refreshLeg(ctx, caseID, sh)
		}()
	}
	wg.Wait()
	return res, nil
}

func (o *Orchestrator) refreshLeg(ctx context.Context, caseID uint64, sh models.Shipment) LegResult {
	lr := LegResult{Direction: sh.Direction, Status: sh.Status}
	fail := func(err error) LegResult {
		lr.err = err
		lr.Error = err.Error()
		return lr
	}

	ad, err := o.registry.Resolve(sh.CarrierCode)
	if err != nil {
		slog.Error("resolve carrier", "case_id", caseID, "direction", sh.Direction, "carrier", sh.CarrierCode, "error", err.Error())
		o.recordFailure(ctx, caseID, sh, err)
		return fail(err)
	}

	if err := o.allow(ctx, sh.CarrierCode); err != nil {
		slog.Warn("carrier call skipped", "case_id", caseID, "carrier", sh.CarrierCode, "error", err.Error())
		return fail(err)
	}

	tr, err := ad.Track(ctx, sh.TrackingNumber)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		slog.Warn("carrier track failed", "case_id", caseID, "direction", sh.Direction, "carrier", sh.CarrierCode, "error", err.Error())
		o.recordFailure(ctx, caseID, sh, err)
		return fail(err)
	}

	obs := observationFromResult(caseID, sh, tr, o.now())
	out, err := o.pipeline.Apply(ctx, obs)
	if err != nil {
		slog.Error("apply carrier status", "case_id", caseID, "direction", sh.Direction, "error", err.Error())
		return fail(err)
	}
	lr.Changed = out.Applied
	if out.Case != nil {
		lr.Status = out.Case.Shipment(sh.Direction).Status
	}
	return lr
}

func (o *Orchestrator) recordFailure(ctx context.Context, caseID uint64, sh models.Shipment, cause error) {
	if err := o.pipeline.RecordFailure(ctx, caseID, sh.Direction, sh.TrackingNumber, cause); err != nil {
		slog.Error("record carrier failure", "case_id", caseID, "direction", sh.Direction, "error", err.Error())
	}
}

// allow applies the per-carrier minute window. Limiter errors fail open.
func (o *Orchestrator) allow(ctx context.Context, code string) error {
	if o.rl == nil {
		return nil
	}
	limit := o.rateLimitPerMinute
	if c, err := o.registry.Carrier(code); err == nil && c.RateLimitPerMinute > 0 {
		limit = int64(c.RateLimitPerMinute)
	}
	ok, err := o.rl.Allow(ctx, code, limit)
	if err != nil {
		slog.Warn("rate limiter unavailable", "carrier", code, "error", err.Error())
		return nil
	}
	if !ok {
		return errors.Wrapf(models.ErrRateLimited, "%s", code)
	}
	return nil
}

func observationFromResult(caseID uint64, sh models.Shipment, tr carrier.TrackResult, now time.Time) models.Observation {
	obs := models.Observation{
		CaseID:            caseID,
		Direction:         sh.Direction,
		CarrierCode:       sh.CarrierCode,
		TrackingNumber:    sh.TrackingNumber,
		Status:            tr.Status,
		StatusRaw:         tr.StatusRaw,
		Location:          tr.CurrentLocation,
		EstimatedDelivery: tr.EstimatedDelivery,
		ActualDelivery:    tr.ActualDelivery,
		Source:            models.EventSourceAPI,
		Actor:             "system",
	}
	latest, hasLatest := carrier.Latest(tr.Points)
	switch {
	case tr.StatusAt != nil:
		obs.EventTime = *tr.StatusAt
	case hasLatest:
		obs.EventTime = latest.Time
	default:
		obs.EventTime = now
	}
	if hasLatest {
		if obs.Location == "" {
			obs.Location = latest.Location
		}
		obs.Description = latest.Description
		obs.Metadata = map[string]any{"checkpoints": len(tr.Points)}
	}
	return obs
}

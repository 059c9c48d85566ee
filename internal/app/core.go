// Package app assembles the services shared by rma-api and rma-worker.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/config"
	"github.com/BearBump/RMATrack/internal/cache"
	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/integrations/carrier/adapters"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/notify"
	"github.com/BearBump/RMATrack/internal/services/rma"
	"github.com/BearBump/RMATrack/internal/services/sla"
	"github.com/BearBump/RMATrack/internal/services/tracking"
	"github.com/BearBump/RMATrack/internal/services/workflow"
	"github.com/BearBump/RMATrack/internal/storage"
)

const defaultCarriersPath = "carriers.yaml"

// Infra is what the process opened before wiring. Cache, Limiter and
// Producer are optional; leave them nil when Redis or Kafka is not
// configured.
type Infra struct {
	Store    storage.Store
	Cache    cache.BytesCache
	Limiter  tracking.RateLimiter
	Producer notify.Producer

	// Carriers overrides the catalogue file. Used by tests.
	Carriers carrier.Loader
}

type Core struct {
	Config       *config.Config
	Store        storage.Store
	Cache        cache.BytesCache
	Registry     *carrier.Registry
	Rules        *workflow.Rules
	Policy       sla.Policy
	Notifier     notify.Notifier
	Pipeline     *tracking.Pipeline
	Cases        *rma.Service
	Orchestrator *tracking.Orchestrator
	Engine       *workflow.Engine
}

func New(ctx context.Context, cfg *config.Config, in Infra) (*Core, error) {
	if in.Store == nil {
		return nil, errors.New("store is required")
	}
	rc := cfg.RMATrack

	load := in.Carriers
	if load == nil {
		path := rc.CarriersPath
		if path == "" {
			path = defaultCarriersPath
		}
		load = func() ([]models.Carrier, error) { return config.LoadCarriers(path) }
	}
	reg := carrier.NewRegistry(load, adapters.Factories(), rc.CarrierTimeout())
	if err := reg.Reload(ctx); err != nil {
		return nil, errors.Wrap(err, "carrier catalogue")
	}

	defaults, err := workflow.RulesFromConfig(rc)
	if err != nil {
		return nil, err
	}
	rules := workflow.NewRules(in.Store, defaults)
	if err := rules.Refresh(ctx); err != nil {
		slog.Warn("stored workflow rules unavailable, using configured defaults", "error", err.Error())
	}

	notifier := notify.Discard
	if in.Producer != nil {
		notifier = notify.NewKafka(in.Producer, cfg.Kafka.NotificationsTopic())
	}

	policy := sla.NewPolicy(rc.SLATargetHours, rc.SLATargetDeliveryDays, rc.SLAAtRiskRatio)
	pipeline := tracking.NewPipeline(in.Store, policy, in.Cache, notifier)
	cases := rma.New(in.Store, reg, rules, pipeline, policy, notifier).WithAutoConfirm(rc.AutoConfirm())
	pipeline.WithDeliveryHook(cases)

	orch := tracking.NewOrchestrator(in.Store, reg, pipeline, in.Limiter).WithRateLimit(rc.CarrierRateLimitPerMinute)
	engine := workflow.NewEngine(in.Store, rules, cases, cases)
	if rc.WorkerBatchSize > 0 {
		engine.WithPageSize(rc.WorkerBatchSize)
	}

	slog.Info("rma core ready",
		"carriers", len(reg.Carriers()),
		"rules_version", rules.Current().Version,
		"auto_confirm", rc.AutoConfirm(),
		"cache", in.Cache != nil,
		"kafka", in.Producer != nil,
	)

	return &Core{
		Config:       cfg,
		Store:        in.Store,
		Cache:        in.Cache,
		Registry:     reg,
		Rules:        rules,
		Policy:       policy,
		Notifier:     notifier,
		Pipeline:     pipeline,
		Cases:        cases,
		Orchestrator: orch,
		Engine:       engine,
	}, nil
}

// WatchCarriers re-reads the carrier catalogue every interval until ctx ends.
// The worker reloads before each sweep; the API process has no sweeps, so it
// runs this to pick up catalogue edits without a restart.
func (c *Core) WatchCarriers(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Orchestrator.ReloadCarriers(ctx)
		}
	}
}

// Reader builds the cached tracking read model.
func (c *Core) Reader() *tracking.Reader {
	return tracking.NewReader(c.Store, c.Registry, c.Cache, c.Config.RMATrack.CacheTTL())
}

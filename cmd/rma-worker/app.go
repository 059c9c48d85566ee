package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/BearBump/RMATrack/config"
	"github.com/BearBump/RMATrack/internal/app"
	"github.com/BearBump/RMATrack/internal/broker/kafka"
	"github.com/BearBump/RMATrack/internal/broker/messages"
	"github.com/BearBump/RMATrack/internal/cache/rediscache"
	"github.com/BearBump/RMATrack/internal/services/scheduler"
	"github.com/BearBump/RMATrack/internal/storage"
)

type refreshConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

// workerFactories opens the worker's infrastructure. Tests swap in
// in-memory pieces.
type workerFactories struct {
	newStorage  func(cfg *config.Config) (st storage.Store, err error)
	newInfra    func(cfg *config.Config, in *app.Infra) (closeFn func())
	newConsumer func(cfg *config.Config) refreshConsumer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (storage.Store, error) {
			return storage.Open(cfg, 60*time.Second)
		},
		newInfra: func(cfg *config.Config, in *app.Infra) func() {
			var closers []func()
			if cfg.Redis.Host != "" {
				rc := rediscache.Connect(cfg.Redis.Addr())
				in.Cache, in.Limiter = rediscache.NewViewCache(rc), rediscache.NewCarrierLimiter(rc)
				closers = append(closers, func() { _ = rc.Close() })
			}
			if cfg.Kafka.Host != "" {
				p := kafka.NewProducer(cfg.Kafka.Brokers())
				in.Producer = p
				closers = append(closers, func() { _ = p.Close() })
			}
			return func() {
				for i := len(closers) - 1; i >= 0; i-- {
					closers[i]()
				}
			}
		},
		newConsumer: func(cfg *config.Config) refreshConsumer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			group := cfg.RMATrack.KafkaConsumerGroup
			if group == "" {
				group = "rma-worker"
			}
			return kafka.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.RefreshRequestedTopic(), group)
		},
	}
}

func schedulerSettings(rc config.RMATrackConfig) scheduler.Settings {
	return scheduler.Settings{
		ActiveInterval:     time.Duration(rc.ActiveSweepIntervalMinutes) * time.Minute,
		FullInterval:       time.Duration(rc.FullSweepIntervalMinutes) * time.Minute,
		EscalationInterval: time.Duration(rc.EscalationIntervalMinutes) * time.Minute,
		DailyHourUTC:       rc.DailyJobHour(),
		Retention:          rc.RetentionWindow(),
		Concurrency:        rc.WorkerConcurrency,
		BatchSize:          rc.WorkerBatchSize,
	}
}

// RunRMAWorker runs the scheduler, the refresh-request consumer and the ops
// HTTP server until ctx is cancelled.
func RunRMAWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	st, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	in := app.Infra{Store: st}
	if f.newInfra != nil {
		if closeFn := f.newInfra(cfg, &in); closeFn != nil {
			defer closeFn()
		}
	}

	core, err := app.New(ctx, cfg, in)
	if err != nil {
		return err
	}

	sched := scheduler.New(st, core.Orchestrator, core.Engine, core.Notifier).
		WithSettings(schedulerSettings(cfg.RMATrack))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if f.newConsumer != nil {
		if cons := f.newConsumer(cfg); cons != nil {
			if c, ok := cons.(io.Closer); ok {
				defer func() { _ = c.Close() }()
			}
			go consumeRefreshRequests(ctx, cons, core)
		}
	}

	httpErr := make(chan error, 1)
	if httpOpts.swaggerPath != "" {
		httpOpts.sched = sched
		httpOpts.cfg = cfg
		httpOpts.store = st
		go func() { httpErr <- runWorkerHTTPServer(ctx, httpOpts) }()
	}

	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Run(ctx) }()

	select {
	case err := <-schedErr:
		return err
	case err := <-httpErr:
		cancel()
		<-schedErr
		return err
	}
}

// consumeRefreshRequests polls every case the API asked for. A bad message
// is logged and skipped so one poison record does not stall the group.
func consumeRefreshRequests(ctx context.Context, cons refreshConsumer, core *app.Core) {
	slog.Info("refresh consumer started", "topic", core.Config.Kafka.RefreshRequestedTopic())
	err := cons.Consume(ctx, func(_ []byte, value []byte) error {
		req, err := messages.DecodeRefreshRequested(value)
		if err != nil {
			slog.Warn("skip refresh request", "error", err.Error())
			return nil
		}
		res, err := core.Orchestrator.RefreshCase(ctx, uint64(req.CaseID))
		if err != nil {
			slog.Error("refresh requested case", "case_id", req.CaseID, "requested_by", req.RequestedBy, "error", err.Error())
			return nil
		}
		slog.Info("refreshed on request", "case_id", req.CaseID, "legs", len(res.Legs), "failed", res.Failed())
		return nil
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("refresh consumer stopped", "error", err.Error())
	}
}

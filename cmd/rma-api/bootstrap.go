package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/RMATrack/config"
	"github.com/BearBump/RMATrack/internal/api/rmaapi"
	"github.com/BearBump/RMATrack/internal/app"
	"github.com/BearBump/RMATrack/internal/broker/kafka"
	"github.com/BearBump/RMATrack/internal/cache/rediscache"
	"github.com/BearBump/RMATrack/internal/services/webhooks"
	"github.com/BearBump/RMATrack/internal/storage"
)

type rmaAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    rmaAPIOpts
	api     *rmaapi.API
	closers []func()
}

func mustBootstrapRMAAPI() *rmaAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.RMATrack.SlogLevel()})))

	httpAddr := cfg.RMATrack.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	a := &rmaAPIApp{opts: rmaAPIOpts{httpAddr: httpAddr, swaggerPath: swaggerPath}}

	st, err := storage.Open(cfg, 60*time.Second)
	if err != nil {
		panic(err)
	}
	a.closers = append(a.closers, st.Close)
	in := app.Infra{Store: st}

	if cfg.Redis.Host != "" {
		rc := rediscache.Connect(cfg.Redis.Addr())
		in.Cache, in.Limiter = rediscache.NewViewCache(rc), rediscache.NewCarrierLimiter(rc)
		a.closers = append(a.closers, func() { _ = rc.Close() })
	}

	var producer *kafka.Producer
	if cfg.Kafka.Host != "" {
		producer = kafka.NewProducer(cfg.Kafka.Brokers())
		in.Producer = producer
		a.closers = append(a.closers, func() { _ = producer.Close() })
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a.ctx, a.cancel = ctx, cancel

	core, err := app.New(ctx, cfg, in)
	if err != nil {
		a.Close()
		panic(err)
	}
	a.api = newAPI(core, producer)
	go core.WatchCarriers(ctx, cfg.RMATrack.CarriersReload())
	return a
}

// newAPI exposes the core over HTTP. With a producer, refresh requests are
// queued for the worker; without one they run inline.
func newAPI(core *app.Core, producer *kafka.Producer) *rmaapi.API {
	d := rmaapi.Deps{
		Cases:     core.Cases,
		Tracking:  core.Reader(),
		Refresher: core.Orchestrator,
		Webhooks:  webhooks.New(core.Registry, core.Store, core.Pipeline, core.Config.RMATrack.Production()),
		Escalator: core.Engine,
		Rules:     core.Rules,
		Carriers:  core.Registry,
	}
	if producer != nil {
		d.Producer = producer
		d.RefreshTopic = core.Config.Kafka.RefreshRequestedTopic()
	}
	return rmaapi.New(d)
}

func (a *rmaAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *rmaAPIApp) Run() error {
	return runRMAAPI(a.ctx, a.opts, a.api)
}

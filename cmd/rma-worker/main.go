package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.RMATrack.SlogLevel()})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpOpts := workerHTTPOpts{
		httpAddr:    cfg.RMATrack.WorkerHTTPAddr,
		swaggerPath: os.Getenv("workerSwaggerPath"),
	}
	if err := RunRMAWorker(ctx, cfg, defaultWorkerFactories(), httpOpts); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

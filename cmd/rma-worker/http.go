package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/BearBump/RMATrack/config"
	"github.com/BearBump/RMATrack/internal/services/scheduler"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	sched *scheduler.Scheduler
	cfg   *config.Config
	store pinger
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("worker swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: workerRouter(opts), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func workerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.store != nil {
			if err := opts.store.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if opts.sched == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not wired"})
			return
		}
		writeJSON(w, http.StatusOK, opts.sched.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil || opts.sched == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config not wired"})
			return
		}
		// только операционные настройки, без секретов
		s := opts.sched.Settings()
		rc := opts.cfg.RMATrack
		writeJSON(w, http.StatusOK, map[string]any{
			"activeSweepIntervalMinutes": int(s.ActiveInterval / time.Minute),
			"fullSweepIntervalMinutes":   int(s.FullInterval / time.Minute),
			"escalationIntervalMinutes":  int(s.EscalationInterval / time.Minute),
			"dailyJobHourUtc":            s.DailyHourUTC,
			"retentionDays":              int(s.Retention / (24 * time.Hour)),
			"concurrency":                s.Concurrency,
			"batchSize":                  s.BatchSize,
			"carrierTimeoutSeconds":      int(rc.CarrierTimeout() / time.Second),
			"carrierRateLimitPerMinute":  rc.CarrierRateLimitPerMinute,
			"autoConfirmDelivery":        rc.AutoConfirm(),
			"storage":                    rc.Storage,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.sched == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not wired"})
			return
		}
		kind, ok := scheduler.ParseKind(r.URL.Query().Get("kind"))
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown kind"})
			return
		}
		queued := opts.sched.Trigger(kind)
		writeJSON(w, http.StatusOK, map[string]any{"triggered": queued, "kind": kind})
	})

	// no-store + cachebuster, как в rma-api
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	return r
}

package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/RMATrack/internal/broker/messages"
)

// Notifier is what services call after a change has been committed.
type Notifier interface {
	Notify(ctx context.Context, n messages.CaseNotification)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Kafka publishes notifications best-effort: a failed publish is logged,
// never returned to the caller.
type Kafka struct {
	p       Producer
	topic   string
	retries int
	backoff time.Duration
	timeout time.Duration
}

func NewKafka(p Producer, topic string) *Kafka {
	return &Kafka{
		p:       p,
		topic:   topic,
		retries: 3,
		backoff: 200 * time.Millisecond,
		timeout: 5 * time.Second,
	}
}

func (k *Kafka) Notify(ctx context.Context, n messages.CaseNotification) {
	b, err := json.Marshal(n)
	if err != nil {
		slog.Error("notify: marshal", "type", n.Type, "case_id", n.CaseID, "err", err)
		return
	}
	// уведомление не должно умирать вместе с HTTP-запросом
	ctx = context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, k.timeout)
		err = k.p.Publish(pctx, k.topic, n.Key(), b)
		cancel()
		if err == nil {
			return
		}
		if attempt >= k.retries {
			break
		}
		time.Sleep(k.backoff * time.Duration(attempt))
	}
	slog.Error("notify: publish failed", "type", n.Type, "case_id", n.CaseID, "topic", k.topic, "err", err)
}

type discard struct{}

func (discard) Notify(context.Context, messages.CaseNotification) {}

// Discard drops every notification.
var Discard Notifier = discard{}

// Recorder buffers notifications in memory until Drain. Tests across packages
// use it to assert on what a service emitted.
type Recorder struct {
	ch chan messages.CaseNotification
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan messages.CaseNotification, size)}
}

func (r *Recorder) Notify(_ context.Context, n messages.CaseNotification) {
	select {
	case r.ch <- n:
	default:
		slog.Warn("notify: recorder full, dropping", "type", n.Type, "case_id", n.CaseID)
	}
}

// Drain returns everything recorded so far.
func (r *Recorder) Drain() []messages.CaseNotification {
	var out []messages.CaseNotification
	for {
		select {
		case n := <-r.ch:
			out = append(out, n)
		default:
			return out
		}
	}
}

// Types is a test helper listing drained notification types in order.
func Types(ns []messages.CaseNotification) []messages.NotificationType {
	out := make([]messages.NotificationType, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Type)
	}
	return out
}

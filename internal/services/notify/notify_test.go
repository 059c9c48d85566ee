package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/RMATrack/internal/broker/messages"
)

type fakeProducer struct {
	mu    sync.Mutex
	fails int
	calls int
	topic string
	key   []byte
	value []byte
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fails {
		return errors.New("broker down")
	}
	p.topic, p.key, p.value = topic, key, value
	return nil
}

func TestKafka_NotifyPublishesJSON(t *testing.T) {
	fp := &fakeProducer{}
	k := NewKafka(fp, "rma.notifications")

	n := messages.NewCaseNotification(messages.NotificationCaseCreated, 3, time.Now())
	n.CaseNumber = "RMA-2026-0003"
	k.Notify(context.Background(), n)

	require.Equal(t, 1, fp.calls)
	require.Equal(t, "rma.notifications", fp.topic)
	require.Equal(t, []byte("3"), fp.key)

	var got messages.CaseNotification
	require.NoError(t, json.Unmarshal(fp.value, &got))
	require.Equal(t, messages.NotificationCaseCreated, got.Type)
	require.Equal(t, "RMA-2026-0003", got.CaseNumber)
}

func TestKafka_NotifyRetries(t *testing.T) {
	fp := &fakeProducer{fails: 2}
	k := NewKafka(fp, "t")
	k.backoff = time.Millisecond

	k.Notify(context.Background(), messages.NewCaseNotification(messages.NotificationAssigned, 1, time.Now()))
	require.Equal(t, 3, fp.calls)
	require.NotNil(t, fp.value)
}

func TestKafka_NotifyGivesUpSilently(t *testing.T) {
	fp := &fakeProducer{fails: 100}
	k := NewKafka(fp, "t")
	k.backoff = time.Millisecond

	k.Notify(context.Background(), messages.NewCaseNotification(messages.NotificationAssigned, 1, time.Now()))
	require.Equal(t, 3, fp.calls)
	require.Nil(t, fp.value)
}

func TestKafka_NotifyIgnoresCancelledCaller(t *testing.T) {
	fp := &fakeProducer{}
	k := NewKafka(fp, "t")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	k.Notify(ctx, messages.NewCaseNotification(messages.NotificationEscalated, 1, time.Now()))
	require.Equal(t, 1, fp.calls)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(1)
	r.Notify(context.Background(), messages.NewCaseNotification(messages.NotificationCaseCreated, 1, time.Now()))
	r.Notify(context.Background(), messages.NewCaseNotification(messages.NotificationAssigned, 1, time.Now()))

	got := r.Drain()
	require.Equal(t, []messages.NotificationType{messages.NotificationCaseCreated}, Types(got))
	require.Empty(t, r.Drain())

	Discard.Notify(context.Background(), messages.CaseNotification{})
}

package fake

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/pkg/errors"
)

// FakeClient это офлайн "перевозчик" для локального запуска и тестов.
// Статус детерминирован по (carrier, track_number): часть треков станет delivered.
type FakeClient struct {
	code string
	now  func() time.Time
}

func New(code string) *FakeClient {
	return &FakeClient{code: code, now: func() time.Time { return time.Now().UTC() }}
}

func Factory(c models.Carrier, _ *http.Client) (carrier.Adapter, error) {
	return New(c.Code), nil
}

func (f *FakeClient) Code() string { return f.code }

func (f *FakeClient) Track(ctx context.Context, trackNumber string) (carrier.TrackResult, error) {
	if err := ctx.Err(); err != nil {
		return carrier.TrackResult{}, err
	}
	now := f.now()

	h := fnv.New32a()
	_, _ = h.Write([]byte(f.code))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackNumber))
	v := h.Sum32()

	// 20% треков считаем доставленными
	status := models.ShipmentStatusInTransit
	if v%5 == 0 {
		status = models.ShipmentStatusDelivered
	}

	pickedAt := now.Add(-24 * time.Hour).Truncate(time.Hour)
	points := []models.TrackingPoint{
		{Status: models.ShipmentStatusPickedUp, StatusRaw: "picked_up", Time: pickedAt, Location: "ORIGIN HUB", Description: "fake carrier pickup"},
		{Status: status, StatusRaw: string(status), Time: now, Location: "DEST HUB", Description: "fake carrier update"},
	}

	res := carrier.TrackResult{
		Status:          status,
		StatusRaw:       string(status),
		StatusAt:        &now,
		Points:          points,
		CurrentLocation: "DEST HUB",
	}
	if status == models.ShipmentStatusDelivered {
		res.ActualDelivery = &now
	} else {
		eta := now.Add(48 * time.Hour).Truncate(time.Hour)
		res.EstimatedDelivery = &eta
	}
	return res, nil
}

type webhookBody struct {
	TrackingNumber string    `json:"trackingNumber"`
	Status         string    `json:"status"`
	Time           time.Time `json:"time"`
	Location       string    `json:"location"`
	Description    string    `json:"description"`
}

// ParseWebhook accepts the canonical vocabulary directly.
func (f *FakeClient) ParseWebhook(body []byte) ([]carrier.WebhookUpdate, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, errors.Wrap(err, "decode fake webhook")
	}
	st := models.ShipmentStatus(strings.ToLower(b.Status))
	if !st.Valid() {
		st = models.ShipmentStatusPending
	}
	at := b.Time
	if at.IsZero() {
		at = f.now()
	}
	upd := carrier.WebhookUpdate{
		TrackingNumber: b.TrackingNumber,
		Status:         st,
		StatusRaw:      b.Status,
		EventTime:      at.UTC(),
		Location:       b.Location,
		Description:    b.Description,
	}
	if st == models.ShipmentStatusDelivered {
		t := upd.EventTime
		upd.ActualDelivery = &t
	}
	return []carrier.WebhookUpdate{upd}, nil
}

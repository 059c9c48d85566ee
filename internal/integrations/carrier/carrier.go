package carrier

import (
	"context"
	"net/http"
	"time"

	"github.com/BearBump/RMATrack/internal/models"
)

// TrackResult is a carrier reply already mapped to the canonical vocabulary.
type TrackResult struct {
	Status            models.ShipmentStatus
	StatusRaw         string
	StatusAt          *time.Time
	Points            []models.TrackingPoint
	EstimatedDelivery *time.Time
	ActualDelivery    *time.Time
	CurrentLocation   string
}

// Adapter owns one provider's request/response shape.
type Adapter interface {
	Code() string
	Track(ctx context.Context, trackingNumber string) (TrackResult, error)
}

// WebhookUpdate is one status push decoded from a provider payload.
type WebhookUpdate struct {
	TrackingNumber    string
	Status            models.ShipmentStatus
	StatusRaw         string
	EventTime         time.Time
	Location          string
	Description       string
	EstimatedDelivery *time.Time
	ActualDelivery    *time.Time
	Metadata          map[string]any
}

// WebhookParser is implemented by adapters whose provider pushes updates.
// It uses the same status mapping as Track so both paths converge.
type WebhookParser interface {
	ParseWebhook(body []byte) ([]WebhookUpdate, error)
}

// Factory builds an adapter for one catalogue entry.
type Factory func(c models.Carrier, httpc *http.Client) (Adapter, error)

// Latest returns the newest point, or false when there are none.
func Latest(points []models.TrackingPoint) (models.TrackingPoint, bool) {
	if len(points) == 0 {
		return models.TrackingPoint{}, false
	}
	best := points[0]
	for _, p := range points[1:] {
		if p.Time.After(best.Time) {
			best = p
		}
	}
	return best, true
}

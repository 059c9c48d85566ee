package dtdc

import (
	"encoding/json"

	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/pkg/errors"
)

type webhookShipment struct {
	ShipmentNo string `json:"strShipmentNo"`
	StatusCode string `json:"strStatusCode"`
	Status     string `json:"strStatus"`
	Origin     string `json:"strOrigin"`
	ActionDate string `json:"strActionDate"`
	ActionTime string `json:"strActionTime"`
	Remarks    string `json:"strRemarks"`
}

type webhookBody struct {
	Shipments []webhookShipment `json:"shipments"`
}

// ParseWebhook decodes a DTDC status push. A body may carry a single
// shipment object or a "shipments" batch.
func (c *Client) ParseWebhook(body []byte) ([]carrier.WebhookUpdate, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, errors.Wrap(err, "decode dtdc webhook")
	}
	if len(b.Shipments) == 0 {
		var one webhookShipment
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, errors.Wrap(err, "decode dtdc webhook")
		}
		b.Shipments = []webhookShipment{one}
	}

	out := make([]carrier.WebhookUpdate, 0, len(b.Shipments))
	for _, s := range b.Shipments {
		if s.ShipmentNo == "" {
			continue
		}
		at, _ := parseActionTime(s.ActionDate, s.ActionTime)
		upd := carrier.WebhookUpdate{
			TrackingNumber: s.ShipmentNo,
			Status:         MapStatus(s.StatusCode),
			StatusRaw:      s.StatusCode,
			EventTime:      at,
			Location:       s.Origin,
			Description:    firstNonEmpty(s.Status, s.Remarks),
			Metadata:       map[string]any{"strStatusCode": s.StatusCode},
		}
		if upd.Status == models.ShipmentStatusDelivered && !at.IsZero() {
			t := at
			upd.ActualDelivery = &t
		}
		out = append(out, upd)
	}
	return out, nil
}

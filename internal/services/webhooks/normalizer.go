package webhooks

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/tracking"
)

type Registry interface {
	Carrier(code string) (models.Carrier, error)
	Parser(code string) (carrier.WebhookParser, error)
}

type Repository interface {
	FindShipments(ctx context.Context, carrierCode, trackingNumber string) ([]models.ShipmentRef, error)
}

type Applier interface {
	Apply(ctx context.Context, obs models.Observation) (tracking.Outcome, error)
}

// Result summarises one push. It is informational: the carrier always gets success.
type Result struct {
	Received int `json:"received"`
	Matched  int `json:"matched"`
	Applied  int `json:"applied"`
}

type Normalizer struct {
	registry Registry
	repo     Repository
	applier  Applier
	enforce  bool
	now      func() time.Time
}

// New builds the normalizer. enforce turns on signature checks for every
// carrier (production).
func New(registry Registry, repo Repository, applier Applier, enforce bool) *Normalizer {
	return &Normalizer{
		registry: registry,
		repo:     repo,
		applier:  applier,
		enforce:  enforce,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle verifies, parses and applies one carrier push. Only a rejected
// signature is returned as an error; unknown carriers, unparsable bodies and
// unmatched tracking numbers are acknowledged and dropped.
func (n *Normalizer) Handle(ctx context.Context, code string, h http.Header, body []byte) (Result, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var res Result

	c, err := n.registry.Carrier(code)
	if err != nil {
		slog.Error("webhook for unknown carrier", "carrier", code, "error", err.Error())
		return res, nil
	}
	if err := VerifierFor(c, n.enforce).Verify(h, body, n.now()); err != nil {
		slog.Warn("webhook signature rejected", "carrier", code, "error", err.Error())
		return res, err
	}

	parser, err := n.registry.Parser(code)
	if err != nil {
		slog.Error("webhook parser missing", "carrier", code, "error", err.Error())
		return res, nil
	}
	updates, err := parser.ParseWebhook(body)
	if err != nil {
		slog.Warn("webhook payload not understood", "carrier", code, "error", err.Error())
		return res, nil
	}
	res.Received = len(updates)

	for _, u := range updates {
		refs, err := n.repo.FindShipments(ctx, code, u.TrackingNumber)
		if err != nil {
			slog.Error("webhook lookup", "carrier", code, "tracking_number", u.TrackingNumber, "error", err.Error())
			continue
		}
		if len(refs) == 0 {
			slog.Info("webhook for unknown tracking number", "carrier", code, "tracking_number", u.TrackingNumber)
			continue
		}
		for _, ref := range refs {
			res.Matched++
			out, err := n.applier.Apply(ctx, observation(code, ref, u))
			if err != nil {
				slog.Error("apply webhook", "case_id", ref.CaseID, "direction", ref.Direction, "error", err.Error())
				continue
			}
			if out.Applied {
				res.Applied++
			}
		}
	}
	return res, nil
}

func observation(code string, ref models.ShipmentRef, u carrier.WebhookUpdate) models.Observation {
	return models.Observation{
		CaseID:            ref.CaseID,
		Direction:         ref.Direction,
		CarrierCode:       code,
		TrackingNumber:    u.TrackingNumber,
		Status:            u.Status,
		StatusRaw:         u.StatusRaw,
		EventTime:         u.EventTime,
		Location:          u.Location,
		Description:       u.Description,
		EstimatedDelivery: u.EstimatedDelivery,
		ActualDelivery:    u.ActualDelivery,
		Source:            models.EventSourceWebhook,
		Actor:             "carrier:" + code,
		Metadata:          u.Metadata,
	}
}

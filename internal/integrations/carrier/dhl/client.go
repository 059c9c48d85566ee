package dhl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	code    string
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(code, baseURL, apiKey string, httpc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://api-eu.dhl.com"
	}
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{code: code, baseURL: baseURL, apiKey: apiKey, httpc: httpc}
}

func Factory(c models.Carrier, httpc *http.Client) (carrier.Adapter, error) {
	return New(c.Code, c.BaseURL, c.APIKey, httpc), nil
}

func (c *Client) Code() string { return c.code }

type event struct {
	Timestamp time.Time `json:"timestamp"`
	Location  struct {
		Address struct {
			AddressLocality string `json:"addressLocality"`
			CountryCode     string `json:"countryCode"`
		} `json:"address"`
	} `json:"location"`
	StatusCode  string `json:"statusCode"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

func (e event) place() string {
	a := e.Location.Address
	if a.CountryCode != "" && a.AddressLocality != "" {
		return a.AddressLocality + ", " + a.CountryCode
	}
	return a.AddressLocality + a.CountryCode
}

type shipment struct {
	ID                      string    `json:"id"`
	Status                  event     `json:"status"`
	EstimatedTimeOfDelivery time.Time `json:"estimatedTimeOfDelivery"`
	Events                  []event   `json:"events"`
}

type trackResp struct {
	Shipments []shipment `json:"shipments"`
}

func (c *Client) Track(ctx context.Context, trackNumber string) (carrier.TrackResult, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/track/shipments"
	q := u.Query()
	q.Set("trackingNumber", trackNumber)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.TrackResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("DHL-API-Key", c.apiKey)

	var rb trackResp
	if err := carrier.DoJSON(c.httpc, req, &rb); err != nil {
		return carrier.TrackResult{}, err
	}
	if len(rb.Shipments) == 0 {
		return carrier.TrackResult{}, errors.Errorf("dhl: %s not in reply", trackNumber)
	}
	sh := rb.Shipments[0]

	res := carrier.TrackResult{
		Status:          MapStatus(sh.Status.StatusCode, sh.Status.Description),
		StatusRaw:       sh.Status.StatusCode,
		CurrentLocation: sh.Status.place(),
	}
	if !sh.Status.Timestamp.IsZero() {
		t := sh.Status.Timestamp.UTC()
		res.StatusAt = &t
	}
	for _, e := range sh.Events {
		if e.Timestamp.IsZero() {
			continue
		}
		res.Points = append(res.Points, models.TrackingPoint{
			Status:      MapStatus(e.StatusCode, e.Description),
			StatusRaw:   e.StatusCode,
			Time:        e.Timestamp.UTC(),
			Location:    e.place(),
			Description: firstNonEmpty(e.Description, e.Status),
		})
	}
	if !sh.EstimatedTimeOfDelivery.IsZero() {
		t := sh.EstimatedTimeOfDelivery.UTC()
		res.EstimatedDelivery = &t
	}
	if res.Status == models.ShipmentStatusDelivered && res.StatusAt != nil {
		t := *res.StatusAt
		res.ActualDelivery = &t
	}
	return res, nil
}

// MapStatus maps DHL statusCode. DHL has no dedicated code for pickup or
// out-for-delivery, so those come from the description.
func MapStatus(statusCode, description string) models.ShipmentStatus {
	desc := strings.ToLower(description)
	switch strings.ToLower(strings.TrimSpace(statusCode)) {
	case "pre-transit":
		return models.ShipmentStatusPending
	case "transit":
		switch {
		case strings.Contains(desc, "out for delivery") || strings.Contains(desc, "with delivery courier"):
			return models.ShipmentStatusOutForDelivery
		case strings.Contains(desc, "picked up"):
			return models.ShipmentStatusPickedUp
		}
		return models.ShipmentStatusInTransit
	case "delivered":
		return models.ShipmentStatusDelivered
	case "failure":
		if strings.Contains(desc, "returned") {
			return models.ShipmentStatusReturned
		}
		return models.ShipmentStatusException
	default:
		return models.ShipmentStatusPending
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseWebhook decodes a DHL push subscription body, which carries the same
// shipments array as the pull API.
func (c *Client) ParseWebhook(body []byte) ([]carrier.WebhookUpdate, error) {
	var b trackResp
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, errors.Wrap(err, "decode dhl webhook")
	}
	out := make([]carrier.WebhookUpdate, 0, len(b.Shipments))
	for _, sh := range b.Shipments {
		if sh.ID == "" {
			continue
		}
		st := sh.Status
		upd := carrier.WebhookUpdate{
			TrackingNumber: sh.ID,
			Status:         MapStatus(st.StatusCode, st.Description),
			StatusRaw:      st.StatusCode,
			EventTime:      st.Timestamp.UTC(),
			Location:       st.place(),
			Description:    firstNonEmpty(st.Description, st.Status),
		}
		if st.Timestamp.IsZero() {
			upd.EventTime = time.Time{}
		}
		if !sh.EstimatedTimeOfDelivery.IsZero() {
			t := sh.EstimatedTimeOfDelivery.UTC()
			upd.EstimatedDelivery = &t
		}
		if upd.Status == models.ShipmentStatusDelivered && !upd.EventTime.IsZero() {
			t := upd.EventTime
			upd.ActualDelivery = &t
		}
		out = append(out, upd)
	}
	return out, nil
}

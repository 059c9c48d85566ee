package delhivery

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

var ist = time.FixedZone("IST", 5*3600+1800)

type Client struct {
	code    string
	baseURL string
	token   string
	httpc   *http.Client
}

func New(code, baseURL, token string, httpc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://track.delhivery.com"
	}
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{code: code, baseURL: baseURL, token: token, httpc: httpc}
}

func Factory(c models.Carrier, httpc *http.Client) (carrier.Adapter, error) {
	return New(c.Code, c.BaseURL, c.APIKey, httpc), nil
}

func (c *Client) Code() string { return c.code }

type statusBlock struct {
	Status         string `json:"Status"`
	StatusType     string `json:"StatusType"`
	StatusLocation string `json:"StatusLocation"`
	StatusDateTime string `json:"StatusDateTime"`
	Instructions   string `json:"Instructions"`
}

type shipment struct {
	AWB                  string      `json:"AWB"`
	Status               statusBlock `json:"Status"`
	ExpectedDeliveryDate string      `json:"ExpectedDeliveryDate"`
	DeliveryDate         string      `json:"DeliveryDate"`
	Scans                []struct {
		ScanDetail struct {
			Scan            string `json:"Scan"`
			ScanType        string `json:"ScanType"`
			ScanDateTime    string `json:"ScanDateTime"`
			ScannedLocation string `json:"ScannedLocation"`
			Instructions    string `json:"Instructions"`
		} `json:"ScanDetail"`
	} `json:"Scans"`
}

type trackResp struct {
	ShipmentData []struct {
		Shipment shipment `json:"Shipment"`
	} `json:"ShipmentData"`
	Error string `json:"Error"`
}

func (c *Client) Track(ctx context.Context, trackNumber string) (carrier.TrackResult, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/api/v1/packages/json/"
	q := u.Query()
	q.Set("waybill", trackNumber)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.TrackResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Token "+c.token)

	var rb trackResp
	if err := carrier.DoJSON(c.httpc, req, &rb); err != nil {
		return carrier.TrackResult{}, err
	}
	if rb.Error != "" {
		return carrier.TrackResult{}, errors.Errorf("delhivery: %s", rb.Error)
	}
	if len(rb.ShipmentData) == 0 {
		return carrier.TrackResult{}, errors.Errorf("delhivery: waybill %s not in reply", trackNumber)
	}
	sh := rb.ShipmentData[0].Shipment

	res := carrier.TrackResult{
		Status:          MapStatus(sh.Status.Status, sh.Status.StatusType),
		StatusRaw:       sh.Status.Status,
		CurrentLocation: sh.Status.StatusLocation,
	}
	for _, s := range sh.Scans {
		d := s.ScanDetail
		at, ok := parseTime(d.ScanDateTime)
		if !ok {
			continue
		}
		res.Points = append(res.Points, models.TrackingPoint{
			Status:      MapStatus(d.Scan, d.ScanType),
			StatusRaw:   d.Scan,
			Time:        at,
			Location:    d.ScannedLocation,
			Description: d.Instructions,
		})
	}
	if at, ok := parseTime(sh.Status.StatusDateTime); ok {
		res.StatusAt = &at
	}
	if eta, ok := parseTime(sh.ExpectedDeliveryDate); ok {
		res.EstimatedDelivery = &eta
	}
	if res.Status == models.ShipmentStatusDelivered {
		if at, ok := parseTime(sh.DeliveryDate); ok {
			res.ActualDelivery = &at
		} else if res.StatusAt != nil {
			t := *res.StatusAt
			res.ActualDelivery = &t
		}
	}
	return res, nil
}

// MapStatus maps Delhivery status text. StatusType RT marks the reverse leg,
// so anything completed on it is a return.
func MapStatus(status, statusType string) models.ShipmentStatus {
	s := strings.ToLower(strings.TrimSpace(status))
	rt := strings.EqualFold(statusType, "RT")
	switch s {
	case "manifested", "not picked", "open", "scheduled":
		return models.ShipmentStatusPending
	case "picked up", "picked":
		return models.ShipmentStatusPickedUp
	case "in transit", "pending", "reached at destination":
		if rt {
			return models.ShipmentStatusReturned
		}
		return models.ShipmentStatusInTransit
	case "dispatched", "out for delivery":
		return models.ShipmentStatusOutForDelivery
	case "delivered":
		if rt {
			return models.ShipmentStatusReturned
		}
		return models.ShipmentStatusDelivered
	case "rto", "dto", "returned", "rto delivered":
		return models.ShipmentStatusReturned
	case "lost", "undelivered", "damaged":
		return models.ShipmentStatusException
	}
	return models.ShipmentStatusPending
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, ist); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

type webhookBody struct {
	Shipment shipment `json:"Shipment"`
}

// ParseWebhook decodes the Delhivery push; it reuses the Shipment block of
// the pull API.
func (c *Client) ParseWebhook(body []byte) ([]carrier.WebhookUpdate, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, errors.Wrap(err, "decode delhivery webhook")
	}
	if b.Shipment.AWB == "" {
		return nil, nil
	}
	st := b.Shipment.Status
	at, _ := parseTime(st.StatusDateTime)
	upd := carrier.WebhookUpdate{
		TrackingNumber: b.Shipment.AWB,
		Status:         MapStatus(st.Status, st.StatusType),
		StatusRaw:      st.Status,
		EventTime:      at,
		Location:       st.StatusLocation,
		Description:    st.Instructions,
		Metadata:       map[string]any{"statusType": st.StatusType},
	}
	if eta, ok := parseTime(b.Shipment.ExpectedDeliveryDate); ok {
		upd.EstimatedDelivery = &eta
	}
	if upd.Status == models.ShipmentStatusDelivered && !at.IsZero() {
		t := at
		upd.ActualDelivery = &t
	}
	return []carrier.WebhookUpdate{upd}, nil
}

package aftership

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/pkg/errors"
)

// Client tracks carriers that have no usable native API through the
// AfterShip aggregator. One client serves one catalogue code and its slug.
type Client struct {
	code    string
	slug    string
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(code, slug, baseURL, apiKey string, httpc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://api.aftership.com"
	}
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{code: code, slug: slug, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, httpc: httpc}
}

func Factory(c models.Carrier, httpc *http.Client) (carrier.Adapter, error) {
	slug := c.AggregatorSlug
	if slug == "" {
		slug = strings.ReplaceAll(strings.ToLower(c.Code), "_", "-")
	}
	return New(c.Code, slug, c.BaseURL, c.APIKey, httpc), nil
}

func (c *Client) Code() string { return c.code }

type checkpoint struct {
	CheckpointTime string `json:"checkpoint_time"`
	Tag            string `json:"tag"`
	Subtag         string `json:"subtag"`
	Message        string `json:"message"`
	Location       string `json:"location"`
	City           string `json:"city"`
}

type tracking struct {
	TrackingNumber       string       `json:"tracking_number"`
	Slug                 string       `json:"slug"`
	Tag                  string       `json:"tag"`
	Subtag               string       `json:"subtag"`
	ExpectedDelivery     string       `json:"expected_delivery"`
	ShipmentDeliveryDate string       `json:"shipment_delivery_date"`
	Checkpoints          []checkpoint `json:"checkpoints"`
}

type envelope struct {
	Meta struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"meta"`
	Data struct {
		Tracking tracking `json:"tracking"`
	} `json:"data"`
}

func (c *Client) Track(ctx context.Context, trackNumber string) (carrier.TrackResult, error) {
	u := c.baseURL + "/v4/trackings/" + url.PathEscape(c.slug) + "/" + url.PathEscape(trackNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return carrier.TrackResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("as-api-key", c.apiKey)

	var env envelope
	err = carrier.DoJSON(c.httpc, req, &env)
	if carrier.IsStatus(err, http.StatusNotFound) {
		// Агрегатор знает только зарегистрированные номера: регистрируем и ждём следующего цикла.
		if err := c.register(ctx, trackNumber); err != nil {
			return carrier.TrackResult{}, err
		}
		slog.Info("aftership tracking registered", "carrier", c.code, "track_number", trackNumber)
		return carrier.TrackResult{Status: models.ShipmentStatusPending, StatusRaw: "Pending"}, nil
	}
	if err != nil {
		return carrier.TrackResult{}, err
	}
	return toResult(env.Data.Tracking), nil
}

func (c *Client) register(ctx context.Context, trackNumber string) error {
	b, _ := json.Marshal(map[string]any{
		"tracking": map[string]string{"slug": c.slug, "tracking_number": trackNumber},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v4/trackings", bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("as-api-key", c.apiKey)
	if err := carrier.DoJSON(c.httpc, req, nil); err != nil {
		return errors.Wrap(err, "register tracking")
	}
	return nil
}

func toResult(t tracking) carrier.TrackResult {
	res := carrier.TrackResult{
		Status:    MapTag(t.Tag),
		StatusRaw: t.Tag,
	}
	for _, cp := range t.Checkpoints {
		at, ok := parseTime(cp.CheckpointTime)
		if !ok {
			continue
		}
		res.Points = append(res.Points, models.TrackingPoint{
			Status:      MapTag(cp.Tag),
			StatusRaw:   firstNonEmpty(cp.Subtag, cp.Tag),
			Time:        at,
			Location:    firstNonEmpty(cp.Location, cp.City),
			Description: cp.Message,
		})
	}
	if last, ok := carrier.Latest(res.Points); ok {
		res.StatusAt = &last.Time
		res.CurrentLocation = last.Location
	}
	if eta, ok := parseTime(t.ExpectedDelivery); ok {
		res.EstimatedDelivery = &eta
	}
	if res.Status == models.ShipmentStatusDelivered {
		if at, ok := parseTime(t.ShipmentDeliveryDate); ok {
			res.ActualDelivery = &at
		} else if res.StatusAt != nil {
			at := *res.StatusAt
			res.ActualDelivery = &at
		}
	}
	return res
}

// MapTag maps AfterShip delivery tags.
func MapTag(tag string) models.ShipmentStatus {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "pending", "inforeceived":
		return models.ShipmentStatusPending
	case "intransit":
		return models.ShipmentStatusInTransit
	case "outfordelivery", "availableforpickup":
		return models.ShipmentStatusOutForDelivery
	case "delivered":
		return models.ShipmentStatusDelivered
	case "attemptfail", "exception", "expired":
		return models.ShipmentStatusException
	default:
		return models.ShipmentStatusPending
	}
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type webhookBody struct {
	Event string   `json:"event"`
	Msg   tracking `json:"msg"`
}

// ParseWebhook decodes an AfterShip tracking_update event. The msg object
// is the same tracking resource the GET endpoint returns.
func (c *Client) ParseWebhook(body []byte) ([]carrier.WebhookUpdate, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, errors.Wrap(err, "decode aftership webhook")
	}
	if b.Msg.TrackingNumber == "" {
		return nil, nil
	}
	res := toResult(b.Msg)
	upd := carrier.WebhookUpdate{
		TrackingNumber:    b.Msg.TrackingNumber,
		Status:            res.Status,
		StatusRaw:         res.StatusRaw,
		Location:          res.CurrentLocation,
		EstimatedDelivery: res.EstimatedDelivery,
		ActualDelivery:    res.ActualDelivery,
		Metadata:          map[string]any{"slug": b.Msg.Slug, "subtag": b.Msg.Subtag},
	}
	if res.StatusAt != nil {
		upd.EventTime = *res.StatusAt
	}
	if last, ok := carrier.Latest(res.Points); ok {
		upd.Description = last.Description
	}
	return []carrier.WebhookUpdate{upd}, nil
}

package fedex

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	code         string
	baseURL      string
	clientID     string
	clientSecret string
	httpc        *http.Client
	now          func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(code, baseURL, clientID, clientSecret string, httpc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://apis.fedex.com"
	}
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{
		code:         code,
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpc:        httpc,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func Factory(c models.Carrier, httpc *http.Client) (carrier.Adapter, error) {
	return New(c.Code, c.BaseURL, c.APIKey, c.APISecret, httpc), nil
}

func (c *Client) Code() string { return c.code }

type tokenResp struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken returns a cached bearer token, fetching a new one a minute
// before expiry (half the lifetime for tokens shorter than two minutes).
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "new token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tr tokenResp
	if err := carrier.DoJSON(c.httpc, req, &tr); err != nil {
		return "", errors.Wrap(err, "fedex oauth")
	}
	if tr.AccessToken == "" {
		return "", errors.New("fedex oauth: empty access token")
	}
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	skew := time.Minute
	if skew > ttl/2 {
		skew = ttl / 2
	}
	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(ttl - skew)
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

type trackReq struct {
	IncludeDetailedScans bool `json:"includeDetailedScans"`
	TrackingInfo         []struct {
		TrackingNumberInfo struct {
			TrackingNumber string `json:"trackingNumber"`
		} `json:"trackingNumberInfo"`
	} `json:"trackingInfo"`
}

type location struct {
	City        string `json:"city"`
	StateCode   string `json:"stateOrProvinceCode"`
	CountryCode string `json:"countryCode"`
}

func (l location) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{l.City, l.StateCode, l.CountryCode} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type scanEvent struct {
	Date              time.Time `json:"date"`
	EventType         string    `json:"eventType"`
	EventDescription  string    `json:"eventDescription"`
	DerivedStatusCode string    `json:"derivedStatusCode"`
	ScanLocation      location  `json:"scanLocation"`
}

type trackResult struct {
	LatestStatusDetail struct {
		Code         string   `json:"code"`
		DerivedCode  string   `json:"derivedCode"`
		Description  string   `json:"description"`
		ScanLocation location `json:"scanLocation"`
	} `json:"latestStatusDetail"`
	DateAndTimes []struct {
		Type     string    `json:"type"`
		DateTime time.Time `json:"dateTime"`
	} `json:"dateAndTimes"`
	ScanEvents []scanEvent `json:"scanEvents"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type trackResp struct {
	Output struct {
		CompleteTrackResults []struct {
			TrackingNumber string        `json:"trackingNumber"`
			TrackResults   []trackResult `json:"trackResults"`
		} `json:"completeTrackResults"`
	} `json:"output"`
}

func (c *Client) Track(ctx context.Context, trackNumber string) (carrier.TrackResult, error) {
	rb, err := c.track(ctx, trackNumber)
	if carrier.IsStatus(err, http.StatusUnauthorized) {
		c.dropToken()
		rb, err = c.track(ctx, trackNumber)
	}
	if err != nil {
		return carrier.TrackResult{}, err
	}
	if len(rb.Output.CompleteTrackResults) == 0 || len(rb.Output.CompleteTrackResults[0].TrackResults) == 0 {
		return carrier.TrackResult{}, errors.Errorf("fedex: %s not in reply", trackNumber)
	}
	tr := rb.Output.CompleteTrackResults[0].TrackResults[0]
	if tr.Error != nil {
		return carrier.TrackResult{}, errors.Errorf("fedex: %s: %s", tr.Error.Code, tr.Error.Message)
	}

	code := firstNonEmpty(tr.LatestStatusDetail.DerivedCode, tr.LatestStatusDetail.Code)
	res := carrier.TrackResult{
		Status:          MapStatus(code),
		StatusRaw:       code,
		CurrentLocation: tr.LatestStatusDetail.ScanLocation.String(),
	}
	for _, e := range tr.ScanEvents {
		if e.Date.IsZero() {
			continue
		}
		raw := firstNonEmpty(e.DerivedStatusCode, e.EventType)
		res.Points = append(res.Points, models.TrackingPoint{
			Status:      MapStatus(raw),
			StatusRaw:   raw,
			Time:        e.Date.UTC(),
			Location:    e.ScanLocation.String(),
			Description: e.EventDescription,
		})
	}
	for _, dt := range tr.DateAndTimes {
		t := dt.DateTime.UTC()
		switch dt.Type {
		case "ESTIMATED_DELIVERY":
			res.EstimatedDelivery = &t
		case "ACTUAL_DELIVERY":
			res.ActualDelivery = &t
		}
	}
	if last, ok := carrier.Latest(res.Points); ok {
		res.StatusAt = &last.Time
	}
	return res, nil
}

func (c *Client) track(ctx context.Context, trackNumber string) (trackResp, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return trackResp{}, err
	}

	var body trackReq
	body.IncludeDetailedScans = true
	body.TrackingInfo = make([]struct {
		TrackingNumberInfo struct {
			TrackingNumber string `json:"trackingNumber"`
		} `json:"trackingNumberInfo"`
	}, 1)
	body.TrackingInfo[0].TrackingNumberInfo.TrackingNumber = trackNumber
	b, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/track/v1/trackingnumbers", bytes.NewReader(b))
	if err != nil {
		return trackResp{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	var rb trackResp
	err = carrier.DoJSON(c.httpc, req, &rb)
	return rb, err
}

// MapStatus maps FedEx derived status codes.
func MapStatus(code string) models.ShipmentStatus {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "OC", "IN":
		return models.ShipmentStatusPending
	case "PU", "PX":
		return models.ShipmentStatusPickedUp
	case "IT", "AR", "DP", "AF", "FD", "CC":
		return models.ShipmentStatusInTransit
	case "OD":
		return models.ShipmentStatusOutForDelivery
	case "DL":
		return models.ShipmentStatusDelivered
	case "DE", "SE", "CA", "DY":
		return models.ShipmentStatusException
	case "RS", "RP":
		return models.ShipmentStatusReturned
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

type webhookBody struct {
	TrackingNumber string    `json:"trackingNumber"`
	ScanEvent      scanEvent `json:"scanEvent"`
}

// ParseWebhook decodes a FedEx Advanced Integrated Visibility push, which
// carries one scan event in the same shape as the track reply.
func (c *Client) ParseWebhook(body []byte) ([]carrier.WebhookUpdate, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, errors.Wrap(err, "decode fedex webhook")
	}
	if b.TrackingNumber == "" {
		return nil, nil
	}
	e := b.ScanEvent
	raw := firstNonEmpty(e.DerivedStatusCode, e.EventType)
	upd := carrier.WebhookUpdate{
		TrackingNumber: b.TrackingNumber,
		Status:         MapStatus(raw),
		StatusRaw:      raw,
		EventTime:      e.Date.UTC(),
		Location:       e.ScanLocation.String(),
		Description:    e.EventDescription,
	}
	if e.Date.IsZero() {
		upd.EventTime = time.Time{}
	}
	if upd.Status == models.ShipmentStatusDelivered && !upd.EventTime.IsZero() {
		t := upd.EventTime
		upd.ActualDelivery = &t
	}
	return []carrier.WebhookUpdate{upd}, nil
}

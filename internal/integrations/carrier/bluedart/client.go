package bluedart

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
	loginID string
	licKey  string
	httpc   *http.Client
}

func New(code, baseURL, loginID, licKey string, httpc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://api.bluedart.com"
	}
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{code: code, baseURL: baseURL, loginID: loginID, licKey: licKey, httpc: httpc}
}

func Factory(c models.Carrier, httpc *http.Client) (carrier.Adapter, error) {
	if c.AccountID == "" {
		return nil, errors.New("bluedart: account_id (login id) is required")
	}
	return New(c.Code, c.BaseURL, c.AccountID, c.APIKey, httpc), nil
}

func (c *Client) Code() string { return c.code }

type scan struct {
	Scan            string `json:"Scan"`
	ScanCode        string `json:"ScanCode"`
	ScanType        string `json:"ScanType"`
	ScannedLocation string `json:"ScannedLocation"`
	ScanDate        string `json:"ScanDate"`
	ScanTime        string `json:"ScanTime"`
}

type shipment struct {
	WaybillNo        string `json:"WaybillNo"`
	Status           string `json:"Status"`
	StatusType       string `json:"StatusType"`
	StatusDate       string `json:"StatusDate"`
	StatusTime       string `json:"StatusTime"`
	ExpectedDelivery string `json:"ExpectedDeliveryDate"`
	Scans            struct {
		ScanDetail []scan `json:"ScanDetail"`
	} `json:"Scans"`
}

type trackResp struct {
	ShipmentData struct {
		Shipment []shipment `json:"Shipment"`
		Error    string     `json:"Error"`
	} `json:"ShipmentData"`
}

func (c *Client) Track(ctx context.Context, trackNumber string) (carrier.TrackResult, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/servlet/RoutingServlet"
	q := u.Query()
	q.Set("handler", "tnt")
	q.Set("action", "custawbquery")
	q.Set("loginid", c.loginID)
	q.Set("lickey", c.licKey)
	q.Set("awb", "awb")
	q.Set("numbers", trackNumber)
	q.Set("format", "json")
	q.Set("verno", "1")
	q.Set("scan", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.TrackResult{}, errors.Wrap(err, "new request")
	}

	var rb trackResp
	if err := carrier.DoJSON(c.httpc, req, &rb); err != nil {
		return carrier.TrackResult{}, err
	}
	if rb.ShipmentData.Error != "" {
		return carrier.TrackResult{}, errors.Errorf("bluedart: %s", rb.ShipmentData.Error)
	}

	var sh *shipment
	for i := range rb.ShipmentData.Shipment {
		if strings.EqualFold(rb.ShipmentData.Shipment[i].WaybillNo, trackNumber) {
			sh = &rb.ShipmentData.Shipment[i]
			break
		}
	}
	if sh == nil {
		return carrier.TrackResult{}, errors.Errorf("bluedart: waybill %s not in reply", trackNumber)
	}

	res := carrier.TrackResult{
		Status:    MapStatus(sh.StatusType),
		StatusRaw: sh.StatusType,
	}
	for _, s := range sh.Scans.ScanDetail {
		at, ok := parseScanTime(s.ScanDate, s.ScanTime)
		if !ok {
			continue
		}
		res.Points = append(res.Points, models.TrackingPoint{
			Status:      MapStatus(s.ScanType),
			StatusRaw:   s.ScanType,
			Time:        at,
			Location:    s.ScannedLocation,
			Description: s.Scan,
		})
	}
	if at, ok := parseScanTime(sh.StatusDate, sh.StatusTime); ok {
		res.StatusAt = &at
	} else if last, ok := carrier.Latest(res.Points); ok {
		res.StatusAt = &last.Time
	}
	if last, ok := carrier.Latest(res.Points); ok {
		res.CurrentLocation = last.Location
	}
	if eta, ok := parseScanTime(sh.ExpectedDelivery, ""); ok {
		res.EstimatedDelivery = &eta
	}
	if res.Status == models.ShipmentStatusDelivered && res.StatusAt != nil {
		t := *res.StatusAt
		res.ActualDelivery = &t
	}
	return res, nil
}

// MapStatus maps Blue Dart StatusType/ScanType codes.
func MapStatus(statusType string) models.ShipmentStatus {
	switch strings.ToUpper(strings.TrimSpace(statusType)) {
	case "PU":
		return models.ShipmentStatusPickedUp
	case "IT":
		return models.ShipmentStatusInTransit
	case "OD":
		return models.ShipmentStatusOutForDelivery
	case "DL":
		return models.ShipmentStatusDelivered
	case "UD", "NF":
		return models.ShipmentStatusException
	case "RT":
		return models.ShipmentStatusReturned
	default:
		return models.ShipmentStatusPending
	}
}

// Blue Dart: "02-Jan-2025" + "10:15", IST.
func parseScanTime(date, clock string) (time.Time, bool) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if clock != "" {
		if t, err := time.ParseInLocation("02-Jan-2006 15:04", date+" "+clock, ist); err == nil {
			return t.UTC(), true
		}
	}
	for _, layout := range []string{"02-Jan-2006", "02 January 2006"} {
		if t, err := time.ParseInLocation(layout, date, ist); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

type webhookBody struct {
	AWB        string `json:"awb"`
	StatusType string `json:"statusType"`
	Status     string `json:"status"`
	Location   string `json:"location"`
	ScanDate   string `json:"scanDate"`
	ScanTime   string `json:"scanTime"`
}

func (c *Client) ParseWebhook(body []byte) ([]carrier.WebhookUpdate, error) {
	var items []webhookBody
	if err := json.Unmarshal(body, &items); err != nil {
		var one webhookBody
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, errors.Wrap(err, "decode bluedart webhook")
		}
		items = []webhookBody{one}
	}

	out := make([]carrier.WebhookUpdate, 0, len(items))
	for _, it := range items {
		if it.AWB == "" {
			continue
		}
		at, _ := parseScanTime(it.ScanDate, it.ScanTime)
		upd := carrier.WebhookUpdate{
			TrackingNumber: it.AWB,
			Status:         MapStatus(it.StatusType),
			StatusRaw:      it.StatusType,
			EventTime:      at,
			Location:       it.Location,
			Description:    it.Status,
		}
		if upd.Status == models.ShipmentStatusDelivered && !at.IsZero() {
			t := at
			upd.ActualDelivery = &t
		}
		out = append(out, upd)
	}
	return out, nil
}

package dtdc

import (
	"bytes"
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
	apiKey  string
	httpc   *http.Client
}

func New(code, baseURL, apiKey string, httpc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://blktracksvc.dtdc.com"
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

type trackReq struct {
	TrkType  string `json:"trkType"`
	StrCnno  string `json:"strcnno"`
	AddtnDtl string `json:"addtnlDtl"`
}

type trackHeader struct {
	ShipmentNo           string `json:"strShipmentNo"`
	Status               string `json:"strStatus"`
	StatusCode           string `json:"strStatusCode"`
	ExpectedDeliveryDate string `json:"strExpectedDeliveryDate"`
	StatusRelCode        string `json:"strStatusRelCode"`
	Destination          string `json:"strDestination"`
}

type trackDetail struct {
	Code       string `json:"strCode"`
	Action     string `json:"strAction"`
	Origin     string `json:"strOrigin"`
	Remarks    string `json:"sTrRemarks"`
	ActionDate string `json:"strActionDate"`
	ActionTime string `json:"strActionTime"`
}

type trackResp struct {
	StatusCode   int  `json:"statusCode"`
	StatusFlag   bool `json:"statusFlag"`
	ErrorDetails []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"errorDetails"`
	TrackHeader  trackHeader   `json:"trackHeader"`
	TrackDetails []trackDetail `json:"trackDetails"`
}

func (c *Client) Track(ctx context.Context, trackNumber string) (carrier.TrackResult, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/dtdc-api/rest/JSONCnTrk/getTrackDetails"

	body, _ := json.Marshal(trackReq{TrkType: "cnno", StrCnno: trackNumber, AddtnDtl: "Y"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return carrier.TrackResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-access-token", c.apiKey)

	var rb trackResp
	if err := carrier.DoJSON(c.httpc, req, &rb); err != nil {
		return carrier.TrackResult{}, err
	}
	if !rb.StatusFlag {
		msg := "status flag false"
		if len(rb.ErrorDetails) > 0 {
			msg = rb.ErrorDetails[0].Value
		}
		return carrier.TrackResult{}, errors.Errorf("dtdc: %s", msg)
	}

	res := carrier.TrackResult{
		StatusRaw: rb.TrackHeader.StatusCode,
		Status:    MapStatus(rb.TrackHeader.StatusCode),
	}
	for _, d := range rb.TrackDetails {
		at, ok := parseActionTime(d.ActionDate, d.ActionTime)
		if !ok {
			continue
		}
		res.Points = append(res.Points, models.TrackingPoint{
			Status:      MapStatus(d.Code),
			StatusRaw:   d.Code,
			Time:        at,
			Location:    d.Origin,
			Description: firstNonEmpty(d.Action, d.Remarks),
		})
	}
	if last, ok := carrier.Latest(res.Points); ok {
		res.StatusAt = &last.Time
		res.CurrentLocation = last.Location
		if res.StatusRaw == "" {
			res.StatusRaw = last.StatusRaw
			res.Status = last.Status
		}
	}
	if eta, err := time.ParseInLocation("02012006", rb.TrackHeader.ExpectedDeliveryDate, ist); err == nil {
		eta = eta.UTC()
		res.EstimatedDelivery = &eta
	}
	if res.Status == models.ShipmentStatusDelivered && res.StatusAt != nil {
		t := *res.StatusAt
		res.ActualDelivery = &t
	}
	return res, nil
}

// MapStatus maps DTDC activity codes.
func MapStatus(code string) models.ShipmentStatus {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "BKD", "SBKD":
		return models.ShipmentStatusPending
	case "PCUP", "PCSC":
		return models.ShipmentStatusPickedUp
	case "IBMD", "OBMD", "CDIN", "CDOUT", "INSCAN":
		return models.ShipmentStatusInTransit
	case "OUTDLV":
		return models.ShipmentStatusOutForDelivery
	case "DLV":
		return models.ShipmentStatusDelivered
	case "NONDLV", "HOLD":
		return models.ShipmentStatusException
	case "RTO", "RTD", "RTOD":
		return models.ShipmentStatusReturned
	default:
		return models.ShipmentStatusPending
	}
}

// DTDC: "02012025" + "1530", IST.
func parseActionTime(date, clock string) (time.Time, bool) {
	if len(clock) == 4 {
		if t, err := time.ParseInLocation("020120061504", date+clock, ist); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := time.ParseInLocation("02012006", date, ist); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

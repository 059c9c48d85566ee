package models

// Carrier is a courier catalogue entry. It is configuration, read-only for
// the engine.
type Carrier struct {
	Code                string `json:"code"`
	Name                string `json:"name"`
	Adapter             string `json:"adapter"`
	Active              bool   `json:"active"`
	BaseURL             string `json:"-"`
	APIKey              string `json:"-"`
	APISecret           string `json:"-"`
	AccountID           string `json:"-"`
	AggregatorSlug      string `json:"-"`
	TrackingPattern     string `json:"trackingPattern,omitempty"`
	TrackingURLTemplate string `json:"trackingUrlTemplate,omitempty"`
	WebhookScheme       string `json:"-"`
	WebhookSecret       string `json:"-"`
	TimeoutSeconds      int    `json:"-"`
	RateLimitPerMinute  int    `json:"-"`
}

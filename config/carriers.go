package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BearBump/RMATrack/internal/models"
	"go.yaml.in/yaml/v4"
)

type carrierFile struct {
	Carriers []carrierEntry `yaml:"carriers"`
}

type carrierEntry struct {
	Code                string `yaml:"code"`
	Name                string `yaml:"name"`
	Adapter             string `yaml:"adapter"`
	Active              *bool  `yaml:"active"`
	BaseURL             string `yaml:"base_url"`
	APIKey              string `yaml:"api_key"`
	APISecret           string `yaml:"api_secret"`
	AccountID           string `yaml:"account_id"`
	AggregatorSlug      string `yaml:"aggregator_slug"`
	TrackingPattern     string `yaml:"tracking_pattern"`
	TrackingURLTemplate string `yaml:"tracking_url_template"`
	WebhookScheme       string `yaml:"webhook_scheme"`
	WebhookSecret       string `yaml:"webhook_secret"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute"`
}

// LoadCarriers reads the carrier catalogue. It is called before every
// orchestration pass, so edits to the file apply without a restart.
// Credentials may be supplied as RMATRACK_<CODE>_API_KEY, _API_SECRET and
// _WEBHOOK_SECRET.
func LoadCarriers(filename string) ([]models.Carrier, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read carriers file: %w", err)
	}

	var f carrierFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal carriers YAML: %w", err)
	}

	out := make([]models.Carrier, 0, len(f.Carriers))
	seen := make(map[string]struct{}, len(f.Carriers))
	for _, e := range f.Carriers {
		code := strings.ToUpper(strings.TrimSpace(e.Code))
		if code == "" {
			return nil, fmt.Errorf("carrier without code")
		}
		if _, ok := seen[code]; ok {
			return nil, fmt.Errorf("duplicate carrier %s", code)
		}
		seen[code] = struct{}{}

		c := models.Carrier{
			Code:                code,
			Name:                e.Name,
			Adapter:             strings.ToLower(e.Adapter),
			Active:              e.Active == nil || *e.Active,
			BaseURL:             e.BaseURL,
			APIKey:              e.APIKey,
			APISecret:           e.APISecret,
			AccountID:           e.AccountID,
			AggregatorSlug:      e.AggregatorSlug,
			TrackingPattern:     e.TrackingPattern,
			TrackingURLTemplate: e.TrackingURLTemplate,
			WebhookScheme:       strings.ToLower(e.WebhookScheme),
			WebhookSecret:       e.WebhookSecret,
			TimeoutSeconds:      e.TimeoutSeconds,
			RateLimitPerMinute:  e.RateLimitPerMinute,
		}
		if c.Name == "" {
			c.Name = code
		}
		envPrefix := "RMATRACK_" + code + "_"
		if v := os.Getenv(envPrefix + "API_KEY"); v != "" {
			c.APIKey = v
		}
		if v := os.Getenv(envPrefix + "API_SECRET"); v != "" {
			c.APISecret = v
		}
		if v := os.Getenv(envPrefix + "WEBHOOK_SECRET"); v != "" {
			c.WebhookSecret = v
		}
		out = append(out, c)
	}
	return out, nil
}

package carrier

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/RMATrack/internal/models"
	"github.com/pkg/errors"
)

// Loader returns the current carrier catalogue.
type Loader func() ([]models.Carrier, error)

type entry struct {
	carrier models.Carrier
	raw     Adapter
	guarded Adapter
}

// Registry resolves carrier codes to adapters. Reload re-reads the catalogue;
// adapters whose catalogue entry is unchanged are kept so their state
// (tokens, connections) survives.
type Registry struct {
	load      Loader
	factories map[string]Factory
	httpc     *http.Client
	timeout   time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry(load Loader, factories map[string]Factory, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Registry{
		load:      load,
		factories: factories,
		httpc:     &http.Client{},
		timeout:   timeout,
		entries:   map[string]*entry{},
	}
}

// Reload rebuilds the registry from the loader. On a loader failure the
// previous state is kept.
func (r *Registry) Reload(ctx context.Context) error {
	carriers, err := r.load()
	if err != nil {
		return errors.Wrap(err, "load carriers")
	}

	r.mu.RLock()
	prev := r.entries
	r.mu.RUnlock()

	next := make(map[string]*entry, len(carriers))
	for _, c := range carriers {
		if !c.Active {
			continue
		}
		if old, ok := prev[c.Code]; ok && old.carrier == c {
			next[c.Code] = old
			continue
		}
		if c.TrackingPattern != "" {
			if _, err := compilePattern(c.TrackingPattern); err != nil {
				slog.Warn("carrier skipped: bad tracking pattern", "carrier", c.Code, "error", err.Error())
				continue
			}
		}
		f, ok := r.factories[c.Adapter]
		if !ok {
			slog.Warn("carrier skipped: unknown adapter", "carrier", c.Code, "adapter", c.Adapter)
			continue
		}
		a, err := f(c, r.httpc)
		if err != nil {
			slog.Warn("carrier skipped: adapter init", "carrier", c.Code, "error", err.Error())
			continue
		}
		timeout := r.timeout
		if c.TimeoutSeconds > 0 {
			timeout = clampTimeout(time.Duration(c.TimeoutSeconds) * time.Second)
		}
		next[c.Code] = &entry{
			carrier: c,
			raw:     a,
			guarded: &guarded{carrier: c, next: a, timeout: timeout},
		}
	}

	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()

	slog.Debug("carrier registry reloaded", "active", len(next))
	return nil
}

func clampTimeout(d time.Duration) time.Duration {
	if d < 10*time.Second {
		return 10 * time.Second
	}
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func (r *Registry) lookup(code string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[strings.ToUpper(code)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(models.ErrUnknownCarrier, "carrier %q", code)
	}
	return e, nil
}

// Resolve returns the guarded adapter for code.
func (r *Registry) Resolve(code string) (Adapter, error) {
	e, err := r.lookup(code)
	if err != nil {
		return nil, err
	}
	return e.guarded, nil
}

func (r *Registry) Carrier(code string) (models.Carrier, error) {
	e, err := r.lookup(code)
	if err != nil {
		return models.Carrier{}, err
	}
	return e.carrier, nil
}

// Carriers lists the active catalogue sorted by code.
func (r *Registry) Carriers() []models.Carrier {
	r.mu.RLock()
	out := make([]models.Carrier, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.carrier)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Parser returns the webhook parser of the carrier's adapter.
func (r *Registry) Parser(code string) (WebhookParser, error) {
	e, err := r.lookup(code)
	if err != nil {
		return nil, err
	}
	p, ok := e.raw.(WebhookParser)
	if !ok {
		return nil, errors.Wrapf(models.ErrUnknownCarrier, "carrier %q accepts no webhooks", code)
	}
	return p, nil
}

func (r *Registry) ValidateTrackingNumber(code, number string) (bool, error) {
	c, err := r.Carrier(code)
	if err != nil {
		return false, err
	}
	return ValidateTrackingNumber(c, number), nil
}

func (r *Registry) BuildTrackingURL(code, number string) (string, error) {
	c, err := r.Carrier(code)
	if err != nil {
		return "", err
	}
	return BuildTrackingURL(c, number), nil
}

var patterns sync.Map // pattern -> *regexp.Regexp

func compilePattern(p string) (*regexp.Regexp, error) {
	if v, ok := patterns.Load(p); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	patterns.Store(p, re)
	return re, nil
}

// ValidateTrackingNumber checks number against the carrier pattern. Without
// a pattern any non-blank number is accepted.
func ValidateTrackingNumber(c models.Carrier, number string) bool {
	number = strings.TrimSpace(number)
	if number == "" {
		return false
	}
	if c.TrackingPattern == "" {
		return true
	}
	re, err := compilePattern(c.TrackingPattern)
	if err != nil {
		return false
	}
	return re.MatchString(number)
}

// BuildTrackingURL fills {number} in the carrier's public tracking URL.
func BuildTrackingURL(c models.Carrier, number string) string {
	if c.TrackingURLTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(c.TrackingURLTemplate, "{number}", url.QueryEscape(strings.TrimSpace(number)))
}

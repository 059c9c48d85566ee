package scheduler

import (
	"time"

	"github.com/BearBump/RMATrack/internal/models"
)

type BackoffConfig struct {
	Backoff1 time.Duration // default: 15 minutes
	Backoff2 time.Duration // default: 30 minutes
	Backoff3 time.Duration // default: 60 minutes
	Backoff4 time.Duration // default: 120 minutes
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Backoff1: 15 * time.Minute,
		Backoff2: 30 * time.Minute,
		Backoff3: 60 * time.Minute,
		Backoff4: 120 * time.Minute,
	}
}

// Backoff spaces out polls of a leg whose carrier keeps failing, so a dead
// provider does not eat the rate limit of the frequent sweep.
type Backoff struct {
	cfg BackoffConfig
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	return &Backoff{cfg: cfg}
}

func (b *Backoff) Delay(failCount int32) time.Duration {
	switch {
	case failCount <= 0:
		return 0
	case failCount == 1:
		return b.cfg.Backoff1
	case failCount == 2:
		return b.cfg.Backoff2
	case failCount == 3:
		return b.cfg.Backoff3
	default:
		return b.cfg.Backoff4
	}
}

// Due reports whether a trackable leg may be polled at now.
func (b *Backoff) Due(sh models.Shipment, now time.Time) bool {
	if !sh.Trackable() {
		return false
	}
	if sh.CheckFailCount <= 0 || sh.LastCheckedAt == nil {
		return true
	}
	return !now.Before(sh.LastCheckedAt.Add(b.Delay(sh.CheckFailCount)))
}

// AnyDue is true when at least one leg of c is due.
func (b *Backoff) AnyDue(c *models.Case, now time.Time) bool {
	for _, dir := range models.Directions {
		if b.Due(*c.Shipment(dir), now) {
			return true
		}
	}
	return false
}

package tracking

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/RMATrack/internal/cache"
	"github.com/BearBump/RMATrack/internal/models"
)

type URLBuilder interface {
	BuildTrackingURL(code, number string) (string, error)
}

type LegView struct {
	models.Shipment
	TrackingURL string                  `json:"trackingUrl,omitempty"`
	Events      []*models.TrackingEvent `json:"events"`
}

// View is the case tracking read model: both legs with their logs.
type View struct {
	CaseID     uint64            `json:"caseId"`
	CaseNumber string            `json:"caseNumber"`
	Status     models.CaseStatus `json:"status"`
	Outbound   LegView           `json:"outbound"`
	Return     LegView           `json:"return"`
	SLA        models.SLARecord  `json:"sla"`
}

// Reader serves View from the cache when possible. The pipeline drops the
// cached entry after every applied change.
type Reader struct {
	repo  Repository
	urls  URLBuilder
	cache cache.BytesCache
	ttl   time.Duration
}

func NewReader(repo Repository, urls URLBuilder, c cache.BytesCache, ttl time.Duration) *Reader {
	return &Reader{repo: repo, urls: urls, cache: c, ttl: ttl}
}

func (r *Reader) GetTracking(ctx context.Context, caseID uint64) (*View, error) {
	if r.cache != nil && r.ttl > 0 {
		if b, ok, err := r.cache.Get(ctx, viewKey(caseID)); err == nil && ok {
			var v View
			if json.Unmarshal(b, &v) == nil {
				return &v, nil
			}
		}
	}

	c, err := r.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	events, err := r.repo.ListEvents(ctx, caseID)
	if err != nil {
		return nil, err
	}

	v := &View{
		CaseID:     c.ID,
		CaseNumber: c.CaseNumber,
		Status:     c.Status,
		Outbound:   r.leg(c.Outbound, models.DirectionOutbound),
		Return:     r.leg(c.Return, models.DirectionReturn),
		SLA:        c.SLA,
	}
	for _, e := range events {
		if e.Direction == models.DirectionReturn {
			v.Return.Events = append(v.Return.Events, e)
		} else {
			v.Outbound.Events = append(v.Outbound.Events, e)
		}
	}

	if r.cache != nil && r.ttl > 0 {
		b, _ := json.Marshal(v)
		if err := r.cache.Set(ctx, viewKey(caseID), b, r.ttl); err != nil {
			slog.Warn("tracking cache set", "case_id", caseID, "error", err.Error())
		}
	}
	return v, nil
}

func (r *Reader) leg(sh models.Shipment, dir models.Direction) LegView {
	sh.Direction = dir
	lv := LegView{Shipment: sh, Events: []*models.TrackingEvent{}}
	if sh.TrackingNumber != "" && r.urls != nil {
		if u, err := r.urls.BuildTrackingURL(sh.CarrierCode, sh.TrackingNumber); err == nil {
			lv.TrackingURL = u
		}
	}
	return lv
}

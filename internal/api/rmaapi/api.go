// Package rmaapi is the JSON-over-HTTP surface of the RMA engine.
package rmaapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/rma"
	"github.com/BearBump/RMATrack/internal/services/tracking"
	"github.com/BearBump/RMATrack/internal/services/webhooks"
	"github.com/BearBump/RMATrack/internal/services/workflow"
)

type CaseService interface {
	CreateCase(ctx context.Context, in models.CaseCreateInput) (*models.Case, error)
	GetCaseByNumber(ctx context.Context, number string) (*models.Case, error)
	Detail(ctx context.Context, id uint64) (*rma.Detail, error)
	History(ctx context.Context, id uint64) ([]*models.WorkflowHistory, error)
	Process(ctx context.Context, id uint64, action models.Action, data rma.ActionData) (*models.Case, error)
	Assign(ctx context.Context, id uint64, assignee, actor string) (*models.Case, error)
	OverrideShipment(ctx context.Context, id uint64, in rma.OverrideInput) (*models.Case, error)
	ListSLABreaches(ctx context.Context) ([]*models.Case, error)
	Purge(ctx context.Context, id uint64, actor string) error
}

type TrackingReader interface {
	GetTracking(ctx context.Context, caseID uint64) (*tracking.View, error)
}

type Refresher interface {
	RefreshCase(ctx context.Context, caseID uint64) (tracking.RefreshResult, error)
}

type WebhookHandler interface {
	Handle(ctx context.Context, code string, h http.Header, body []byte) (webhooks.Result, error)
}

type Escalator interface {
	AutoEscalate(ctx context.Context, now time.Time) (workflow.Report, error)
}

type RuleTables interface {
	Current() *models.RuleSet
	Replace(ctx context.Context, rs *models.RuleSet, actor string) (*models.RuleSet, error)
}

type CarrierCatalog interface {
	Carriers() []models.Carrier
	Carrier(code string) (models.Carrier, error)
	ValidateTrackingNumber(code, number string) (bool, error)
	BuildTrackingURL(code, number string) (string, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Deps struct {
	Cases     CaseService
	Tracking  TrackingReader
	Refresher Refresher
	Webhooks  WebhookHandler
	Escalator Escalator
	Rules     RuleTables
	Carriers  CarrierCatalog

	// Producer and RefreshTopic hand refresh requests to the worker. Without
	// them a refresh runs inline through Refresher.
	Producer     Producer
	RefreshTopic string
}

type API struct {
	Deps
	now func() time.Time
}

func New(d Deps) *API {
	return &API{Deps: d, now: func() time.Time { return time.Now().UTC() }}
}

// Routes mounts every endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Post("/webhooks/delivery/{carrierCode}", a.deliveryWebhook)

	r.Route("/rma", func(r chi.Router) {
		r.Post("/", a.createCase)
		r.Get("/{id}", a.getCase)
		r.Get("/{id}/history", a.getHistory)
		r.Get("/{id}/tracking", a.getTracking)
		r.Post("/{id}/tracking/refresh", a.refreshTracking)
		r.Post("/{id}/shipments/{direction}/override", a.overrideShipment)
	})

	r.Route("/workflow", func(r chi.Router) {
		r.Post("/assign/{rmaId}", a.assign)
		r.Post("/escalate", a.escalate)
		r.Post("/process/{rmaId}", a.process)
		r.Get("/sla-breaches", a.slaBreaches)
		r.Get("/rules", a.getRules)
		r.Put("/rules", a.putRules)
	})

	r.Get("/carriers", a.listCarriers)
	r.Get("/carriers/{code}/tracking-url", a.trackingURL)

	r.Delete("/admin/rma/{id}", a.purge)
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	a.Routes(r)
	return r
}

package rmaapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/broker/messages"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/rma"
	"github.com/BearBump/RMATrack/internal/services/webhooks"
)

type createCaseRequest struct {
	Priority        models.Priority       `json:"priority"`
	SiteID          string                `json:"siteId"`
	AssetID         string                `json:"assetId"`
	ProductModel    string                `json:"productModel"`
	SerialNumber    string                `json:"serialNumber"`
	DefectivePart   models.PartDescriptor `json:"defectivePart"`
	ReplacementPart models.PartDescriptor `json:"replacementPart"`
	WarrantyStatus  models.WarrantyStatus `json:"warrantyStatus"`
	Symptoms        string                `json:"symptoms"`
	Notes           string                `json:"notes"`
	Actor           string                `json:"actor"`
}

func (a *API) createCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := a.Cases.CreateCase(r.Context(), models.CaseCreateInput{
		Priority:        models.Priority(strings.ToLower(string(req.Priority))),
		SiteID:          req.SiteID,
		AssetID:         req.AssetID,
		ProductModel:    req.ProductModel,
		SerialNumber:    req.SerialNumber,
		DefectivePart:   req.DefectivePart,
		ReplacementPart: req.ReplacementPart,
		WarrantyStatus:  req.WarrantyStatus,
		Symptoms:        req.Symptoms,
		Notes:           req.Notes,
		Actor:           actor(r, req.Actor),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// getCase accepts a numeric id or a case number (RMA-2026-0001).
func (a *API) getCase(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	if strings.HasPrefix(strings.ToUpper(raw), "RMA-") {
		c, err := a.Cases.GetCaseByNumber(r.Context(), strings.ToUpper(raw))
		if err != nil {
			writeError(w, r, err)
			return
		}
		a.writeDetail(w, r, c.ID)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.writeDetail(w, r, id)
}

func (a *API) writeDetail(w http.ResponseWriter, r *http.Request, id uint64) {
	d, err := a.Cases.Detail(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	hs, err := a.Cases.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"caseId": id, "history": hs})
}

func (a *API) getTracking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := a.Tracking.GetTracking(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// refreshTracking queues a poll for the worker, or polls inline when no
// broker is configured.
func (a *API) refreshTracking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if a.Producer != nil && a.RefreshTopic != "" {
		if _, err := a.Cases.Detail(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		msg := messages.RefreshRequested{CaseID: int64(id), RequestedAt: a.now(), RequestedBy: actor(r, "")}
		b, err := msg.Encode()
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.Producer.Publish(r.Context(), a.RefreshTopic, msg.Key(), b); err != nil {
			writeError(w, r, errors.Wrap(models.ErrProviderUnavailable, err.Error()))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"caseId": id, "queued": true})
		return
	}
	if a.Refresher == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "tracking refresh is not available"})
		return
	}
	res, err := a.Refresher.RefreshCase(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) overrideShipment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in rma.OverrideInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.Direction = models.Direction(chi.URLParam(r, "direction"))
	in.Actor = actor(r, in.Actor)
	c, err := a.Cases.OverrideShipment(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// deliveryWebhook always acknowledges unless the signature is rejected, so
// carriers do not retry pushes we cannot use.
func (a *API) deliveryWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	_, err = a.Webhooks.Handle(r.Context(), chi.URLParam(r, "carrierCode"), r.Header, body)
	if errors.Is(err, webhooks.ErrBadSignature) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) purge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.Cases.Purge(r.Context(), id, actor(r, "")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

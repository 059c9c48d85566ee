package rmaapi

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/rma"
)

type assignRequest struct {
	Assignee string `json:"assignee"`
	Actor    string `json:"actor"`
}

// assign with an empty assignee applies the assignment table.
func (a *API) assign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "rmaId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req assignRequest
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := a.Cases.Assign(r.Context(), id, req.Assignee, actor(r, req.Actor))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type processRequest struct {
	Action models.Action  `json:"action"`
	Data   rma.ActionData `json:"data"`
}

func (a *API) process(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "rmaId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req processRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Action == "" {
		writeError(w, r, errors.Wrap(models.ErrValidation, "action is required"))
		return
	}
	req.Data.Actor = actor(r, req.Data.Actor)
	c, err := a.Cases.Process(r.Context(), id, req.Action, req.Data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type escalateRequest struct {
	RMAID uint64 `json:"rmaId"`
	Note  string `json:"note"`
	Actor string `json:"actor"`
}

// escalate runs the escalation sweep, or escalates one case by hand when
// rmaId is given.
func (a *API) escalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.RMAID != 0 {
		c, err := a.Cases.Process(r.Context(), req.RMAID, models.ActionEscalate, rma.ActionData{
			Actor: actor(r, req.Actor),
			Note:  req.Note,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
		return
	}
	rep, err := a.Escalator.AutoEscalate(r.Context(), a.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Rules.Current())
}

// putRules replaces the whole rule set; partial edits are not supported.
func (a *API) putRules(w http.ResponseWriter, r *http.Request) {
	var rs models.RuleSet
	if err := decode(w, r, &rs); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := a.Rules.Replace(r.Context(), &rs, actor(r, ""))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) listCarriers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"carriers": a.Carriers.Carriers()})
}

func (a *API) trackingURL(w http.ResponseWriter, r *http.Request) {
	code := chiParamUpper(r, "code")
	number := r.URL.Query().Get("number")
	if number == "" {
		writeError(w, r, errors.Wrap(models.ErrValidation, "number is required"))
		return
	}
	ok, err := a.Carriers.ValidateTrackingNumber(code, number)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, errors.Wrapf(models.ErrInvalidFormat, "%s %q", code, number))
		return
	}
	url, err := a.Carriers.BuildTrackingURL(code, number)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"carrierCode": code, "trackingNumber": number, "url": url})
}

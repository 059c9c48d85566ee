package rma

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/models"
)

type transition struct {
	from []models.CaseStatus
	to   models.CaseStatus
}

// transitions is the whole state table. escalate is handled separately
// because its target depends on the configured escalation rules.
var transitions = map[models.Action]transition{
	models.ActionSubmitToVendor:          {from: []models.CaseStatus{models.CaseStatusUnderReview}, to: models.CaseStatusSentToVendor},
	models.ActionRecordApproval:          {from: []models.CaseStatus{models.CaseStatusSentToVendor}, to: models.CaseStatusVendorApproved},
	models.ActionRecordRejection:         {from: []models.CaseStatus{models.CaseStatusSentToVendor}, to: models.CaseStatusRejected},
	models.ActionRecordOutboundShipment:  {from: []models.CaseStatus{models.CaseStatusVendorApproved}, to: models.CaseStatusReplacementShipped},
	models.ActionConfirmOutboundDelivery: {from: []models.CaseStatus{models.CaseStatusReplacementShipped}, to: models.CaseStatusReplacementReceived},
	models.ActionConfirmInstallation:     {from: []models.CaseStatus{models.CaseStatusReplacementReceived}, to: models.CaseStatusInstallationComplete},
	models.ActionInitiateReturn:          {from: []models.CaseStatus{models.CaseStatusInstallationComplete}, to: models.CaseStatusFaultyPartReturned},
	models.ActionConfirmReturnDelivery:   {from: []models.CaseStatus{models.CaseStatusFaultyPartReturned}, to: models.CaseStatusVendorConfirmedReturn},
	models.ActionComplete:                {from: []models.CaseStatus{models.CaseStatusVendorConfirmedReturn}, to: models.CaseStatusCompleted},
}

// Next returns the status action leads to from s.
func Next(s models.CaseStatus, action models.Action) (models.CaseStatus, error) {
	tr, ok := transitions[action]
	if !ok {
		return "", errors.Wrapf(models.ErrValidation, "unknown action %q", action)
	}
	if !slices.Contains(tr.from, s) {
		return "", errors.Wrapf(models.ErrInvalidTransition, "cannot %s from %s", action, s)
	}
	return tr.to, nil
}

// AvailableActions lists the table actions allowed from s, in lifecycle order.
func AvailableActions(s models.CaseStatus) []models.Action {
	var out []models.Action
	for _, a := range actionOrder {
		if tr := transitions[a]; slices.Contains(tr.from, s) {
			out = append(out, a)
		}
	}
	return out
}

var actionOrder = []models.Action{
	models.ActionSubmitToVendor,
	models.ActionRecordApproval,
	models.ActionRecordRejection,
	models.ActionRecordOutboundShipment,
	models.ActionConfirmOutboundDelivery,
	models.ActionConfirmInstallation,
	models.ActionInitiateReturn,
	models.ActionConfirmReturnDelivery,
	models.ActionComplete,
}

package models

import (
	"fmt"
	"time"
)

type CaseStatus string

const (
	CaseStatusUnderReview           CaseStatus = "under_review"
	CaseStatusSentToVendor          CaseStatus = "sent_to_vendor"
	CaseStatusVendorApproved        CaseStatus = "vendor_approved"
	CaseStatusReplacementShipped    CaseStatus = "replacement_shipped"
	CaseStatusReplacementReceived   CaseStatus = "replacement_received"
	CaseStatusInstallationComplete  CaseStatus = "installation_complete"
	CaseStatusFaultyPartReturned    CaseStatus = "faulty_part_returned"
	CaseStatusVendorConfirmedReturn CaseStatus = "vendor_confirmed_return"
	CaseStatusCompleted             CaseStatus = "completed"
	CaseStatusRejected              CaseStatus = "rejected"
)

// CaseStatuses lists the lifecycle in primary-path order, Rejected last.
var CaseStatuses = []CaseStatus{
	CaseStatusUnderReview,
	CaseStatusSentToVendor,
	CaseStatusVendorApproved,
	CaseStatusReplacementShipped,
	CaseStatusReplacementReceived,
	CaseStatusInstallationComplete,
	CaseStatusFaultyPartReturned,
	CaseStatusVendorConfirmedReturn,
	CaseStatusCompleted,
	CaseStatusRejected,
}

func (s CaseStatus) Valid() bool {
	for _, v := range CaseStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s CaseStatus) Terminal() bool {
	return s == CaseStatusCompleted || s == CaseStatusRejected
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type WarrantyStatus string

const (
	WarrantyInWarranty    WarrantyStatus = "in_warranty"
	WarrantyOutOfWarranty WarrantyStatus = "out_of_warranty"
	WarrantyAMC           WarrantyStatus = "amc"
	WarrantyUnknown       WarrantyStatus = "unknown"
)

func (w WarrantyStatus) Valid() bool {
	switch w {
	case WarrantyInWarranty, WarrantyOutOfWarranty, WarrantyAMC, WarrantyUnknown:
		return true
	}
	return false
}

type Action string

const (
	ActionCreated                 Action = "created"
	ActionSubmitToVendor          Action = "submit_to_vendor"
	ActionRecordApproval          Action = "record_approval"
	ActionRecordRejection         Action = "record_rejection"
	ActionRecordOutboundShipment  Action = "record_outbound_shipment"
	ActionConfirmOutboundDelivery Action = "confirm_outbound_delivery"
	ActionConfirmInstallation     Action = "confirm_installation"
	ActionInitiateReturn          Action = "initiate_return"
	ActionConfirmReturnDelivery   Action = "confirm_return_delivery"
	ActionComplete                Action = "complete"
	ActionEscalate                Action = "escalate"
	ActionAssign                  Action = "assign"
	ActionShipmentOverride        Action = "shipment_override"
)

// PartDescriptor identifies a defective or replacement part.
type PartDescriptor struct {
	PartNumber   string `json:"partNumber,omitempty"`
	Name         string `json:"name,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// Case is the RMA aggregate: case attributes plus the two shipment snapshots
// and the SLA record. Tracking events and workflow history live in their own
// append-only logs.
type Case struct {
	ID              uint64         `json:"id"`
	CaseNumber      string         `json:"caseNumber"`
	Status          CaseStatus     `json:"status"`
	Priority        Priority       `json:"priority"`
	SiteID          string         `json:"siteId"`
	AssetID         string         `json:"assetId,omitempty"`
	ProductModel    string         `json:"productModel,omitempty"`
	SerialNumber    string         `json:"serialNumber,omitempty"`
	DefectivePart   PartDescriptor `json:"defectivePart"`
	ReplacementPart PartDescriptor `json:"replacementPart"`
	WarrantyStatus  WarrantyStatus `json:"warrantyStatus"`
	Symptoms        string         `json:"symptoms,omitempty"`
	Notes           string         `json:"notes,omitempty"`

	Assignee        string `json:"assignee,omitempty"`
	Escalated       bool   `json:"escalated"`
	EscalationLevel int    `json:"escalationLevel"`

	StatusChangedAt time.Time  `json:"statusChangedAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`

	Outbound Shipment  `json:"outbound"`
	Return   Shipment  `json:"return"`
	SLA      SLARecord `json:"sla"`
}

// Shipment returns a pointer to the shipment leg for dir.
func (c *Case) Shipment(dir Direction) *Shipment {
	if dir == DirectionReturn {
		return &c.Return
	}
	return &c.Outbound
}

// Clone returns a deep copy safe to mutate.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.CompletedAt = cloneTime(c.CompletedAt)
	out.Outbound = c.Outbound.Clone()
	out.Return = c.Return.Clone()
	out.SLA = c.SLA.Clone()
	return &out
}

type CaseCreateInput struct {
	Priority        Priority
	SiteID          string
	AssetID         string
	ProductModel    string
	SerialNumber    string
	DefectivePart   PartDescriptor
	ReplacementPart PartDescriptor
	WarrantyStatus  WarrantyStatus
	Symptoms        string
	Notes           string
	Actor           string
}

// CaseChange is what a mutation appends alongside the new case snapshot.
type CaseChange struct {
	Events  []*TrackingEvent
	History []*WorkflowHistory
}

// WorkflowHistory is an immutable record of one state-machine or rules action.
type WorkflowHistory struct {
	ID         uint64     `json:"id"`
	CaseID     uint64     `json:"caseId"`
	Action     Action     `json:"action"`
	FromStatus CaseStatus `json:"fromStatus,omitempty"`
	ToStatus   CaseStatus `json:"toStatus,omitempty"`
	Actor      string     `json:"actor"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func FormatCaseNumber(year, seq int) string {
	return fmt.Sprintf("RMA-%d-%04d", year, seq)
}

// NextOnPrimaryPath returns the successor of s on the main lifecycle.
func NextOnPrimaryPath(s CaseStatus) (CaseStatus, bool) {
	for i, v := range CaseStatuses {
		if v != s {
			continue
		}
		if s.Terminal() || i+1 >= len(CaseStatuses) {
			return "", false
		}
		next := CaseStatuses[i+1]
		if next == CaseStatusRejected {
			return "", false
		}
		return next, true
	}
	return "", false
}

// ShipmentLegFor names the leg whose details must be recorded to enter s.
func ShipmentLegFor(s CaseStatus) (Direction, bool) {
	switch s {
	case CaseStatusReplacementShipped:
		return DirectionOutbound, true
	case CaseStatusFaultyPartReturned:
		return DirectionReturn, true
	}
	return "", false
}

// Escalatable is true when a case in s can be pushed to its primary-path
// successor without operator input.
func Escalatable(s CaseStatus) bool {
	next, ok := NextOnPrimaryPath(s)
	if !ok {
		return false
	}
	_, needsShipment := ShipmentLegFor(next)
	return !needsShipment
}

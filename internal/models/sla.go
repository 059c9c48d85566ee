package models

import "time"

type SLAStatus string

const (
	SLAStatusOnTrack  SLAStatus = "on_track"
	SLAStatusAtRisk   SLAStatus = "at_risk"
	SLAStatusBreached SLAStatus = "breached"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// SLARecord is kept one per case. Leg breaches are sticky.
type SLARecord struct {
	TargetHours        int        `json:"targetHours"`
	TargetDeliveryDays int        `json:"targetDeliveryDays"`
	OutboundActualDays *int       `json:"outboundActualDays,omitempty"`
	ReturnActualDays   *int       `json:"returnActualDays,omitempty"`
	OutboundBreached   bool       `json:"outboundBreached"`
	ReturnBreached     bool       `json:"returnBreached"`
	Breached           bool       `json:"breached"`
	BreachReason       string     `json:"breachReason,omitempty"`
	UpdatedAt          *time.Time `json:"updatedAt,omitempty"`
}

func (r SLARecord) Clone() SLARecord {
	out := r
	out.OutboundActualDays = cloneInt(r.OutboundActualDays)
	out.ReturnActualDays = cloneInt(r.ReturnActualDays)
	out.UpdatedAt = cloneTime(r.UpdatedAt)
	return out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

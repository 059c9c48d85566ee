package sla

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BearBump/RMATrack/internal/models"
)

// Policy holds the SLA targets. It is a value; callers build it once from
// config.
type Policy struct {
	TargetHours        map[models.Priority]int
	TargetDeliveryDays int
	AtRiskRatio        float64
}

func DefaultPolicy() Policy {
	return Policy{
		TargetHours: map[models.Priority]int{
			models.PriorityCritical: 4,
			models.PriorityHigh:     24,
			models.PriorityMedium:   72,
			models.PriorityLow:      168,
		},
		TargetDeliveryDays: 3,
		AtRiskRatio:        0.75,
	}
}

// NewPolicy overlays configured values on the defaults. Unknown priority
// keys and non-positive values are ignored.
func NewPolicy(hours map[string]int, deliveryDays int, atRisk float64) Policy {
	p := DefaultPolicy()
	for k, v := range hours {
		pr := models.Priority(strings.ToLower(k))
		if pr.Valid() && v > 0 {
			p.TargetHours[pr] = v
		}
	}
	if deliveryDays > 0 {
		p.TargetDeliveryDays = deliveryDays
	}
	if atRisk > 0 && atRisk < 1 {
		p.AtRiskRatio = atRisk
	}
	return p
}

// TargetHoursFor is the overall target for a priority; unknown priorities get
// the Medium tier.
func (p Policy) TargetHoursFor(pr models.Priority) int {
	if h, ok := p.TargetHours[pr]; ok && h > 0 {
		return h
	}
	return p.TargetHours[models.PriorityMedium]
}

// ComputeSLAStatus is monotonic in elapsedHours.
func (p Policy) ComputeSLAStatus(pr models.Priority, elapsedHours float64) models.SLAStatus {
	target := float64(p.TargetHoursFor(pr))
	switch {
	case elapsedHours > target:
		return models.SLAStatusBreached
	case elapsedHours >= target*p.AtRiskRatio:
		return models.SLAStatusAtRisk
	default:
		return models.SLAStatusOnTrack
	}
}

// Recompute refreshes the case SLA record from its shipment legs and
// returns the legs that breached during this call. Leg breaches are never
// cleared.
func (p Policy) Recompute(c *models.Case, now time.Time) []models.Direction {
	rec := &c.SLA
	rec.TargetHours = p.TargetHoursFor(c.Priority)
	if rec.TargetDeliveryDays <= 0 {
		rec.TargetDeliveryDays = p.TargetDeliveryDays
	}

	var newly []models.Direction
	for _, dir := range models.Directions {
		sh := c.Shipment(dir)
		days, breached, ok := ComputeBreach(*sh, rec.TargetDeliveryDays)
		if !ok {
			continue
		}
		switch dir {
		case models.DirectionOutbound:
			rec.OutboundActualDays = &days
			if breached && !rec.OutboundBreached {
				rec.OutboundBreached = true
				newly = append(newly, dir)
			}
		case models.DirectionReturn:
			rec.ReturnActualDays = &days
			if breached && !rec.ReturnBreached {
				rec.ReturnBreached = true
				newly = append(newly, dir)
			}
		}
	}

	rec.Breached = rec.Breached || rec.OutboundBreached || rec.ReturnBreached
	rec.BreachReason = breachReason(rec)
	t := now.UTC()
	rec.UpdatedAt = &t
	return newly
}

// ComputeBreach measures one leg. ok is false until both the ship date and
// the delivery date are known.
func ComputeBreach(sh models.Shipment, targetDays int) (actualDays int, breached bool, ok bool) {
	if sh.ShippedAt == nil || sh.ActualDelivery == nil {
		return 0, false, false
	}
	took := sh.ActualDelivery.Sub(*sh.ShippedAt)
	if took < 0 {
		took = 0
	}
	actualDays = int(math.Ceil(took.Hours() / 24))
	return actualDays, took > time.Duration(targetDays)*24*time.Hour, true
}

func breachReason(rec *models.SLARecord) string {
	var parts []string
	if rec.OutboundBreached && rec.OutboundActualDays != nil {
		parts = append(parts, fmt.Sprintf("Outbound delivery took %d days, exceeding target of %d days", *rec.OutboundActualDays, rec.TargetDeliveryDays))
	}
	if rec.ReturnBreached && rec.ReturnActualDays != nil {
		parts = append(parts, fmt.Sprintf("Return delivery took %d days, exceeding target of %d days", *rec.ReturnActualDays, rec.TargetDeliveryDays))
	}
	if len(parts) == 0 {
		return rec.BreachReason
	}
	return strings.Join(parts, "; ")
}

var progress = map[models.CaseStatus]int{
	models.CaseStatusUnderReview:           0,
	models.CaseStatusSentToVendor:          15,
	models.CaseStatusVendorApproved:        25,
	models.CaseStatusReplacementShipped:    40,
	models.CaseStatusReplacementReceived:   55,
	models.CaseStatusInstallationComplete:  70,
	models.CaseStatusFaultyPartReturned:    80,
	models.CaseStatusVendorConfirmedReturn: 90,
	models.CaseStatusCompleted:             100,
	models.CaseStatusRejected:              100,
}

func ProgressPercentage(s models.CaseStatus) int {
	return progress[s]
}

// ElapsedHours runs from creation to completion, or to now for open cases.
func ElapsedHours(c *models.Case, now time.Time) float64 {
	end := now
	if c.CompletedAt != nil {
		end = *c.CompletedAt
	}
	return end.Sub(c.CreatedAt).Hours()
}

// EstimateCompletion extrapolates linearly from progress per elapsed hour.
// It returns nil when there is nothing to extrapolate from.
func EstimateCompletion(c *models.Case, now time.Time) *time.Time {
	pct := ProgressPercentage(c.Status)
	if c.Status.Terminal() {
		if c.CompletedAt != nil {
			t := *c.CompletedAt
			return &t
		}
		return nil
	}
	elapsed := now.Sub(c.CreatedAt).Hours()
	if pct <= 0 || elapsed <= 0 {
		return nil
	}
	perHour := float64(pct) / elapsed
	remaining := float64(100-pct) / perHour
	t := now.Add(time.Duration(remaining * float64(time.Hour))).UTC()
	return &t
}

type Summary struct {
	Status       models.SLAStatus `json:"status"`
	Risk         models.RiskLevel `json:"risk"`
	ElapsedHours float64          `json:"elapsedHours"`
	TargetHours  int              `json:"targetHours"`
	Progress     int              `json:"progress"`
	EstimatedAt  *time.Time       `json:"estimatedCompletion,omitempty"`
	LegBreached  bool             `json:"legBreached"`
	BreachReason string           `json:"breachReason,omitempty"`
}

// Summarize builds the read model for dashboards.
func (p Policy) Summarize(c *models.Case, now time.Time) Summary {
	elapsed := ElapsedHours(c, now)
	st := p.ComputeSLAStatus(c.Priority, elapsed)
	risk := models.RiskLow
	switch {
	case st == models.SLAStatusBreached || c.SLA.Breached:
		risk = models.RiskHigh
	case st == models.SLAStatusAtRisk:
		risk = models.RiskMedium
	}
	return Summary{
		Status:       st,
		Risk:         risk,
		ElapsedHours: math.Round(elapsed*10) / 10,
		TargetHours:  p.TargetHoursFor(c.Priority),
		Progress:     ProgressPercentage(c.Status),
		EstimatedAt:  EstimateCompletion(c, now),
		LegBreached:  c.SLA.Breached,
		BreachReason: c.SLA.BreachReason,
	}
}

package models

import (
	"time"

	"github.com/pkg/errors"
)

type AssignmentRule struct {
	Priority Priority   `json:"priority"`
	Status   CaseStatus `json:"status,omitempty"`
	Assignee string     `json:"assignee"`
}

type EscalationRule struct {
	Status     CaseStatus `json:"status"`
	AfterHours int        `json:"afterHours"`
	Assignee   string     `json:"assignee,omitempty"`
}

func (r EscalationRule) Threshold() time.Duration {
	return time.Duration(r.AfterHours) * time.Hour
}

// RuleSet is replaced as a whole; it is never edited in place once
// published.
type RuleSet struct {
	DefaultAssignee string           `json:"defaultAssignee"`
	Assignment      []AssignmentRule `json:"assignment"`
	Escalation      []EscalationRule `json:"escalation"`
	Version         int64            `json:"version"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// AssigneeFor prefers an exact (priority, status) rule, then a
// priority-only rule, then the default assignee.
func (rs *RuleSet) AssigneeFor(p Priority, s CaseStatus) string {
	if rs == nil {
		return ""
	}
	fallback := ""
	for _, r := range rs.Assignment {
		if r.Priority != p {
			continue
		}
		if r.Status == s {
			return r.Assignee
		}
		if r.Status == "" && fallback == "" {
			fallback = r.Assignee
		}
	}
	if fallback != "" {
		return fallback
	}
	return rs.DefaultAssignee
}

// StatusAssignee returns the assignee of an exact (priority, status) rule.
func (rs *RuleSet) StatusAssignee(p Priority, s CaseStatus) (string, bool) {
	if rs == nil {
		return "", false
	}
	for _, r := range rs.Assignment {
		if r.Priority == p && r.Status == s && r.Status != "" {
			return r.Assignee, true
		}
	}
	return "", false
}

func (rs *RuleSet) EscalationFor(s CaseStatus) (EscalationRule, bool) {
	if rs == nil {
		return EscalationRule{}, false
	}
	for _, r := range rs.Escalation {
		if r.Status == s && r.AfterHours > 0 {
			return r, true
		}
	}
	return EscalationRule{}, false
}

func (rs *RuleSet) Validate() error {
	for _, r := range rs.Assignment {
		if !r.Priority.Valid() {
			return errors.Wrapf(ErrValidation, "assignment rule priority %q", r.Priority)
		}
		if r.Status != "" && !r.Status.Valid() {
			return errors.Wrapf(ErrValidation, "assignment rule status %q", r.Status)
		}
		if r.Assignee == "" {
			return errors.Wrap(ErrValidation, "assignment rule without assignee")
		}
	}
	seen := map[CaseStatus]bool{}
	for _, r := range rs.Escalation {
		if !r.Status.Valid() || r.Status.Terminal() {
			return errors.Wrapf(ErrValidation, "escalation rule status %q", r.Status)
		}
		if r.AfterHours <= 0 {
			return errors.Wrapf(ErrValidation, "escalation rule for %s needs afterHours > 0", r.Status)
		}
		if !Escalatable(r.Status) {
			return errors.Wrapf(ErrValidation, "escalation from %s would skip a shipment record", r.Status)
		}
		if seen[r.Status] {
			return errors.Wrapf(ErrValidation, "duplicate escalation rule for %s", r.Status)
		}
		seen[r.Status] = true
	}
	return nil
}

func (rs *RuleSet) Clone() *RuleSet {
	if rs == nil {
		return nil
	}
	out := *rs
	out.Assignment = append([]AssignmentRule(nil), rs.Assignment...)
	out.Escalation = append([]EscalationRule(nil), rs.Escalation...)
	return &out
}

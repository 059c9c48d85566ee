package models

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShipmentStatus_CanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to ShipmentStatus
		want     bool
	}{
		{ShipmentStatusPending, ShipmentStatusPickedUp, true},
		{ShipmentStatusPending, ShipmentStatusDelivered, true},
		{ShipmentStatusInTransit, ShipmentStatusPickedUp, false},
		{ShipmentStatusInTransit, ShipmentStatusInTransit, false},
		{ShipmentStatusOutForDelivery, ShipmentStatusException, true},
		{ShipmentStatusException, ShipmentStatusDelivered, true},
		{ShipmentStatusException, ShipmentStatusInTransit, false},
		{ShipmentStatusDelivered, ShipmentStatusReturned, false},
		{ShipmentStatusReturned, ShipmentStatusDelivered, false},
		{"", ShipmentStatusPending, true},
		{ShipmentStatusPending, "lost", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.from.CanAdvanceTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestNextOnPrimaryPath(t *testing.T) {
	next, ok := NextOnPrimaryPath(CaseStatusUnderReview)
	require.True(t, ok)
	assert.Equal(t, CaseStatusSentToVendor, next)

	next, ok = NextOnPrimaryPath(CaseStatusVendorConfirmedReturn)
	require.True(t, ok)
	assert.Equal(t, CaseStatusCompleted, next)

	for _, s := range []CaseStatus{CaseStatusCompleted, CaseStatusRejected, "nope"} {
		_, ok = NextOnPrimaryPath(s)
		assert.False(t, ok, s)
	}
}

func TestCaseClone_IsDeep(t *testing.T) {
	now := time.Now().UTC()
	days := 2
	c := &Case{
		ID:          1,
		CompletedAt: &now,
		Outbound:    Shipment{TrackingNumber: "A", ShippedAt: &now},
		SLA:         SLARecord{OutboundActualDays: &days},
	}
	cp := c.Clone()
	*cp.CompletedAt = now.Add(time.Hour)
	*cp.Outbound.ShippedAt = now.Add(time.Hour)
	*cp.SLA.OutboundActualDays = 9

	assert.Equal(t, now, *c.CompletedAt)
	assert.Equal(t, now, *c.Outbound.ShippedAt)
	assert.Equal(t, 2, *c.SLA.OutboundActualDays)
	assert.Nil(t, (*Case)(nil).Clone())
}

func TestFormatCaseNumber(t *testing.T) {
	assert.Equal(t, "RMA-2026-0042", FormatCaseNumber(2026, 42))
	assert.Equal(t, "RMA-2026-12345", FormatCaseNumber(2026, 12345))
}

var rules = &RuleSet{
	DefaultAssignee: "desk",
	Assignment: []AssignmentRule{
		{Priority: PriorityHigh, Assignee: "senior"},
		{Priority: PriorityHigh, Status: CaseStatusSentToVendor, Assignee: "vendor-desk"},
	},
	Escalation: []EscalationRule{{Status: CaseStatusUnderReview, AfterHours: 24, Assignee: "lead"}},
}

func TestRuleSet_AssigneeFor(t *testing.T) {
	assert.Equal(t, "vendor-desk", rules.AssigneeFor(PriorityHigh, CaseStatusSentToVendor))
	assert.Equal(t, "senior", rules.AssigneeFor(PriorityHigh, CaseStatusUnderReview))
	assert.Equal(t, "desk", rules.AssigneeFor(PriorityLow, CaseStatusSentToVendor))
	assert.Equal(t, "", (*RuleSet)(nil).AssigneeFor(PriorityLow, CaseStatusUnderReview))
}

func TestRuleSet_StatusAssignee(t *testing.T) {
	a, ok := rules.StatusAssignee(PriorityHigh, CaseStatusSentToVendor)
	require.True(t, ok)
	assert.Equal(t, "vendor-desk", a)

	_, ok = rules.StatusAssignee(PriorityHigh, CaseStatusUnderReview)
	assert.False(t, ok)
	_, ok = rules.StatusAssignee(PriorityHigh, "")
	assert.False(t, ok)
}

func TestRuleSet_EscalationFor(t *testing.T) {
	r, ok := rules.EscalationFor(CaseStatusUnderReview)
	require.True(t, ok)
	assert.Equal(t, "lead", r.Assignee)

	_, ok = rules.EscalationFor(CaseStatusSentToVendor)
	assert.False(t, ok)
}

func TestRuleSet_Validate(t *testing.T) {
	require.NoError(t, rules.Validate())

	bad := []*RuleSet{
		{Assignment: []AssignmentRule{{Priority: "urgent", Assignee: "x"}}},
		{Assignment: []AssignmentRule{{Priority: PriorityLow, Status: "lost", Assignee: "x"}}},
		{Assignment: []AssignmentRule{{Priority: PriorityLow}}},
		{Escalation: []EscalationRule{{Status: CaseStatusCompleted, AfterHours: 1}}},
		{Escalation: []EscalationRule{{Status: CaseStatusUnderReview}}},
		{Escalation: []EscalationRule{{Status: CaseStatusVendorApproved, AfterHours: 24}}},
		{Escalation: []EscalationRule{{Status: CaseStatusInstallationComplete, AfterHours: 24}}},
		{Escalation: []EscalationRule{
			{Status: CaseStatusUnderReview, AfterHours: 1},
			{Status: CaseStatusUnderReview, AfterHours: 2},
		}},
	}
	for i, rs := range bad {
		err := rs.Validate()
		require.Error(t, err, "rule set %d", i)
		assert.True(t, errors.Is(err, ErrValidation), "rule set %d", i)
	}
}

func TestEscalatable(t *testing.T) {
	cases := map[CaseStatus]bool{
		CaseStatusUnderReview:           true,
		CaseStatusSentToVendor:          true,
		CaseStatusVendorApproved:        false,
		CaseStatusReplacementShipped:    true,
		CaseStatusReplacementReceived:   true,
		CaseStatusInstallationComplete:  false,
		CaseStatusFaultyPartReturned:    true,
		CaseStatusVendorConfirmedReturn: true,
		CaseStatusCompleted:             false,
		CaseStatusRejected:              false,
	}
	for st, want := range cases {
		assert.Equal(t, want, Escalatable(st), st)
	}

	dir, ok := ShipmentLegFor(CaseStatusReplacementShipped)
	require.True(t, ok)
	assert.Equal(t, DirectionOutbound, dir)
	dir, ok = ShipmentLegFor(CaseStatusFaultyPartReturned)
	require.True(t, ok)
	assert.Equal(t, DirectionReturn, dir)
}

func TestRuleSet_CloneIsDeep(t *testing.T) {
	cp := rules.Clone()
	cp.Assignment[0].Assignee = "changed"
	cp.Escalation[0].AfterHours = 99
	assert.Equal(t, "senior", rules.Assignment[0].Assignee)
	assert.Equal(t, 24, rules.Escalation[0].AfterHours)
}

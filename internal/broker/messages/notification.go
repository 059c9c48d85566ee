package messages

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type NotificationType string

const (
	NotificationCaseCreated     NotificationType = "case_created"
	NotificationStatusChanged   NotificationType = "status_changed"
	NotificationTrackingUpdated NotificationType = "tracking_updated"
	NotificationSLABreached     NotificationType = "sla_breached"
	NotificationAssigned        NotificationType = "assigned"
	NotificationEscalated       NotificationType = "escalated"
	NotificationDailySummary    NotificationType = "daily_summary"
)

// CaseNotification is the envelope published to the notifications topic.
type CaseNotification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	CaseID     int64            `json:"case_id,omitempty"`
	CaseNumber string           `json:"case_number,omitempty"`
	Status     string           `json:"status,omitempty"`
	FromStatus string           `json:"from_status,omitempty"`
	Priority   string           `json:"priority,omitempty"`
	Assignee   string           `json:"assignee,omitempty"`

	Direction      string `json:"direction,omitempty"`
	ShipmentStatus string `json:"shipment_status,omitempty"`

	Actor      string         `json:"actor,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

func NewCaseNotification(t NotificationType, caseID int64, at time.Time) CaseNotification {
	return CaseNotification{
		ID:         uuid.NewString(),
		Type:       t,
		CaseID:     caseID,
		OccurredAt: at.UTC(),
	}
}

// Key is the partition key: one case always lands in one partition.
func (n CaseNotification) Key() []byte {
	if n.CaseID == 0 {
		return []byte(string(n.Type))
	}
	return []byte(strconv.FormatInt(n.CaseID, 10))
}

// RefreshRequested asks the worker to poll carriers for one case.
type RefreshRequested struct {
	CaseID      int64     `json:"case_id"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

func (r RefreshRequested) Key() []byte {
	return []byte(strconv.FormatInt(r.CaseID, 10))
}

func (r RefreshRequested) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encode refresh request")
	}
	return b, nil
}

func DecodeRefreshRequested(b []byte) (RefreshRequested, error) {
	var r RefreshRequested
	if err := json.Unmarshal(b, &r); err != nil {
		return RefreshRequested{}, errors.Wrap(err, "decode refresh request")
	}
	if r.CaseID <= 0 {
		return RefreshRequested{}, errors.New("refresh request without case_id")
	}
	return r, nil
}

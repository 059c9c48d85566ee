package models

import "time"

type EventSource string

const (
	EventSourceAPI     EventSource = "api"
	EventSourceWebhook EventSource = "webhook"
	EventSourceManual  EventSource = "manual"
)

// TrackingEvent is one immutable entry of a shipment leg's log.
// Timestamp orders the log; ReportedAt keeps the carrier's own time.
type TrackingEvent struct {
	ID          uint64         `json:"id"`
	CaseID      uint64         `json:"caseId"`
	Direction   Direction      `json:"direction"`
	Status      ShipmentStatus `json:"status"`
	StatusRaw   string         `json:"statusRaw,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	ReportedAt  time.Time      `json:"reportedAt"`
	Location    string         `json:"location,omitempty"`
	Description string         `json:"description,omitempty"`
	CarrierCode string         `json:"carrierCode,omitempty"`
	Source      EventSource    `json:"source"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// TrackingPoint is one checkpoint as reported by a carrier.
type TrackingPoint struct {
	Status      ShipmentStatus
	StatusRaw   string
	Time        time.Time
	Location    string
	Description string
}

// Observation is a normalized status reading for one leg, coming from a
// poll, a webhook or an operator.
type Observation struct {
	CaseID            uint64
	Direction         Direction
	CarrierCode       string
	TrackingNumber    string
	Status            ShipmentStatus
	StatusRaw         string
	EventTime         time.Time
	Location          string
	Description       string
	EstimatedDelivery *time.Time
	ActualDelivery    *time.Time
	Source            EventSource
	Actor             string
	Metadata          map[string]any
}

package models

import "time"

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionReturn   Direction = "return"
)

var Directions = []Direction{DirectionOutbound, DirectionReturn}

func (d Direction) Valid() bool {
	return d == DirectionOutbound || d == DirectionReturn
}

// Нормализованные статусы отправления.
type ShipmentStatus string

const (
	ShipmentStatusPending        ShipmentStatus = "pending"
	ShipmentStatusPickedUp       ShipmentStatus = "picked_up"
	ShipmentStatusInTransit      ShipmentStatus = "in_transit"
	ShipmentStatusOutForDelivery ShipmentStatus = "out_for_delivery"
	ShipmentStatusDelivered      ShipmentStatus = "delivered"
	ShipmentStatusException      ShipmentStatus = "exception"
	ShipmentStatusReturned       ShipmentStatus = "returned"
)

var shipmentRank = map[ShipmentStatus]int{
	ShipmentStatusPending:        0,
	ShipmentStatusPickedUp:       1,
	ShipmentStatusInTransit:      2,
	ShipmentStatusOutForDelivery: 3,
	ShipmentStatusDelivered:      4,
}

func (s ShipmentStatus) Valid() bool {
	if _, ok := shipmentRank[s]; ok {
		return true
	}
	return s == ShipmentStatusException || s == ShipmentStatusReturned
}

// Terminal statuses stop polling for the leg.
func (s ShipmentStatus) Terminal() bool {
	return s == ShipmentStatusDelivered || s == ShipmentStatusException || s == ShipmentStatusReturned
}

// CanAdvanceTo reports whether a leg in status s may move to next.
// The linear path only moves forward; exception and returned are reachable
// from any non-terminal status, and an exception may still resolve to
// delivered or returned.
func (s ShipmentStatus) CanAdvanceTo(next ShipmentStatus) bool {
	if s == next || !next.Valid() {
		return false
	}
	switch s {
	case ShipmentStatusDelivered, ShipmentStatusReturned:
		return false
	case ShipmentStatusException:
		return next == ShipmentStatusDelivered || next == ShipmentStatusReturned
	}
	if next == ShipmentStatusException || next == ShipmentStatusReturned {
		return true
	}
	cur, ok := shipmentRank[s]
	if !ok {
		// empty/unknown current status behaves like pending
		cur = -1
	}
	return shipmentRank[next] > cur
}

type Shipment struct {
	Direction      Direction      `json:"direction"`
	TrackingNumber string         `json:"trackingNumber,omitempty"`
	CarrierCode    string         `json:"carrierCode,omitempty"`
	ServiceLevel   string         `json:"serviceLevel,omitempty"`
	Status         ShipmentStatus `json:"status"`

	ShippedAt         *time.Time `json:"shippedAt,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	ActualDelivery    *time.Time `json:"actualDelivery,omitempty"`
	CurrentLocation   string     `json:"currentLocation,omitempty"`

	// LastEventAt is the timestamp of the newest event in the leg's log.
	LastEventAt *time.Time `json:"lastEventAt,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`

	LastCheckedAt  *time.Time `json:"lastCheckedAt,omitempty"`
	CheckFailCount int32      `json:"checkFailCount"`
	LastError      *string    `json:"lastError,omitempty"`

	WeightKg          float64 `json:"weightKg,omitempty"`
	LengthCm          float64 `json:"lengthCm,omitempty"`
	WidthCm           float64 `json:"widthCm,omitempty"`
	HeightCm          float64 `json:"heightCm,omitempty"`
	InsuredValue      float64 `json:"insuredValue,omitempty"`
	SignatureRequired bool    `json:"signatureRequired"`
}

// Trackable reports whether the leg should still be polled.
func (s Shipment) Trackable() bool {
	return s.TrackingNumber != "" && !s.Status.Terminal()
}

func (s Shipment) Clone() Shipment {
	out := s
	out.ShippedAt = cloneTime(s.ShippedAt)
	out.EstimatedDelivery = cloneTime(s.EstimatedDelivery)
	out.ActualDelivery = cloneTime(s.ActualDelivery)
	out.LastEventAt = cloneTime(s.LastEventAt)
	out.LastUpdated = cloneTime(s.LastUpdated)
	out.LastCheckedAt = cloneTime(s.LastCheckedAt)
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}

// ShipmentDetails is what an operator supplies when a leg is dispatched.
type ShipmentDetails struct {
	TrackingNumber    string     `json:"trackingNumber"`
	CarrierCode       string     `json:"carrierCode"`
	ServiceLevel      string     `json:"serviceLevel,omitempty"`
	ShippedAt         *time.Time `json:"shippedAt,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	WeightKg          float64    `json:"weightKg,omitempty"`
	LengthCm          float64    `json:"lengthCm,omitempty"`
	WidthCm           float64    `json:"widthCm,omitempty"`
	HeightCm          float64    `json:"heightCm,omitempty"`
	InsuredValue      float64    `json:"insuredValue,omitempty"`
	SignatureRequired bool       `json:"signatureRequired,omitempty"`
}

// ShipmentRef points at one leg of one case.
type ShipmentRef struct {
	CaseID    uint64
	Direction Direction
}

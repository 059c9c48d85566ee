package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/BearBump/RMATrack/internal/models"
)

type BackoffSuite struct {
	suite.Suite
	b   *Backoff
	now time.Time
}

func (s *BackoffSuite) SetupTest() {
	s.b = NewBackoff(BackoffConfig{})
	s.now = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
}

func (s *BackoffSuite) TestDelay() {
	s.Equal(time.Duration(0), s.b.Delay(0))
	s.Equal(15*time.Minute, s.b.Delay(1))
	s.Equal(30*time.Minute, s.b.Delay(2))
	s.Equal(60*time.Minute, s.b.Delay(3))
	s.Equal(120*time.Minute, s.b.Delay(4))
	s.Equal(120*time.Minute, s.b.Delay(100))
}

func (s *BackoffSuite) TestDelay_Overrides() {
	b := NewBackoff(BackoffConfig{Backoff1: time.Minute})
	s.Equal(time.Minute, b.Delay(1))
	s.Equal(30*time.Minute, b.Delay(2))
}

func (s *BackoffSuite) TestDue() {
	sh := models.Shipment{TrackingNumber: "N1", Status: models.ShipmentStatusInTransit}
	s.True(s.b.Due(sh, s.now))

	checked := s.now.Add(-20 * time.Minute)
	sh.LastCheckedAt = &checked
	sh.CheckFailCount = 1
	s.True(s.b.Due(sh, s.now))

	sh.CheckFailCount = 2
	s.False(s.b.Due(sh, s.now))
	s.True(s.b.Due(sh, s.now.Add(10*time.Minute)))
}

func (s *BackoffSuite) TestDue_NotTrackable() {
	s.False(s.b.Due(models.Shipment{Status: models.ShipmentStatusInTransit}, s.now))
	s.False(s.b.Due(models.Shipment{TrackingNumber: "N1", Status: models.ShipmentStatusDelivered}, s.now))

	c := &models.Case{
		Outbound: models.Shipment{TrackingNumber: "N1", Status: models.ShipmentStatusDelivered},
		Return:   models.Shipment{TrackingNumber: "N2", Status: models.ShipmentStatusPickedUp},
	}
	s.True(s.b.AnyDue(c, s.now))
}

func TestBackoffSuite(t *testing.T) {
	suite.Run(t, new(BackoffSuite))
}

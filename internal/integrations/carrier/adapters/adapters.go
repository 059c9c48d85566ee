// Package adapters maps catalogue adapter names to implementations.
package adapters

import (
	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/integrations/carrier/aftership"
	"github.com/BearBump/RMATrack/internal/integrations/carrier/bluedart"
	"github.com/BearBump/RMATrack/internal/integrations/carrier/delhivery"
	"github.com/BearBump/RMATrack/internal/integrations/carrier/dhl"
	"github.com/BearBump/RMATrack/internal/integrations/carrier/dtdc"
	"github.com/BearBump/RMATrack/internal/integrations/carrier/fake"
	"github.com/BearBump/RMATrack/internal/integrations/carrier/fedex"
)

func Factories() map[string]carrier.Factory {
	return map[string]carrier.Factory{
		"dtdc":      dtdc.Factory,
		"bluedart":  bluedart.Factory,
		"delhivery": delhivery.Factory,
		"fedex":     fedex.Factory,
		"dhl":       dhl.Factory,
		"aftership": aftership.Factory,
		"fake":      fake.Factory,
	}
}

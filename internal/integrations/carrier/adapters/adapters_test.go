package adapters

import (
	"net/http"
	"testing"

	"github.com/BearBump/RMATrack/internal/integrations/carrier"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/stretchr/testify/require"
)

func TestFactories_AllAdaptersParseWebhooks(t *testing.T) {
	for name, f := range Factories() {
		a, err := f(models.Carrier{Code: "C", Adapter: name, AccountID: "acc"}, &http.Client{})
		require.NoError(t, err, name)
		require.Equal(t, "C", a.Code(), name)
		_, ok := a.(carrier.WebhookParser)
		require.True(t, ok, name)
	}
}

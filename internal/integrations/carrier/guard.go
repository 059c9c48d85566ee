package carrier

import (
	"context"
	"time"

	"github.com/BearBump/RMATrack/internal/models"
	"github.com/pkg/errors"
)

// guarded wraps an adapter with the pre-flight format check, the per-call
// timeout and error normalisation.
type guarded struct {
	carrier models.Carrier
	next    Adapter
	timeout time.Duration
}

func (g *guarded) Code() string { return g.carrier.Code }

func (g *guarded) Track(ctx context.Context, trackingNumber string) (TrackResult, error) {
	if !ValidateTrackingNumber(g.carrier, trackingNumber) {
		return TrackResult{}, errors.Wrapf(models.ErrInvalidFormat, "%s %q", g.carrier.Code, trackingNumber)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.next.Track(callCtx, trackingNumber)
	if err != nil {
		if errors.Is(err, models.ErrInvalidFormat) || errors.Is(err, models.ErrProviderUnavailable) {
			return TrackResult{}, err
		}
		if ctx.Err() != nil {
			return TrackResult{}, ctx.Err()
		}
		return TrackResult{}, Unavailable(g.carrier.Code, err)
	}
	if !res.Status.Valid() {
		res.Status = models.ShipmentStatusPending
	}
	return res, nil
}

// Unavailable marks err as a retryable provider fault. The result matches
// models.ErrProviderUnavailable and still unwraps to err.
func Unavailable(code string, err error) error {
	return errors.Wrap(&providerFault{cause: err}, code)
}

type providerFault struct {
	cause error
}

func (e *providerFault) Error() string {
	return models.ErrProviderUnavailable.Error() + ": " + e.cause.Error()
}

func (e *providerFault) Is(target error) bool { return target == models.ErrProviderUnavailable }

func (e *providerFault) Unwrap() error { return e.cause }

func (e *providerFault) Cause() error { return e.cause }

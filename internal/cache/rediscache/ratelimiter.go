package rediscache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// CarrierLimiter counts carrier calls in fixed one-minute windows. The counter
// lives in Redis so inline refreshes from the API and worker sweeps spend one
// budget per carrier.
type CarrierLimiter struct {
	c   *redis.Client
	now func() time.Time
}

func NewCarrierLimiter(c *redis.Client) *CarrierLimiter {
	return &CarrierLimiter{c: c, now: time.Now}
}

func (l *CarrierLimiter) WithClock(now func() time.Time) *CarrierLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Allow counts one call against carrierCode. perMinute <= 0 means unlimited.
func (l *CarrierLimiter) Allow(ctx context.Context, carrierCode string, perMinute int64) (bool, error) {
	if perMinute <= 0 {
		return true, nil
	}
	key := l.key(carrierCode)

	// INCR и EXPIRE одной транзакцией, чтобы ключ окна не остался без TTL
	pipe := l.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Minute+10*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrapf(err, "count call to %s", carrierCode)
	}
	return incr.Val() <= perMinute, nil
}

// Used reports how many calls carrierCode has made in the current window,
// including rejected ones.
func (l *CarrierLimiter) Used(ctx context.Context, carrierCode string) (int64, error) {
	n, err := l.c.Get(ctx, l.key(carrierCode)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read budget of %s", carrierCode)
	}
	return n, nil
}

func (l *CarrierLimiter) key(carrierCode string) string {
	return fmt.Sprintf("%srl:carrier:%s:%s", keyPrefix,
		strings.ToUpper(carrierCode), l.now().UTC().Format("200601021504"))
}

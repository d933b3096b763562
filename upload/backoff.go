package upload

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// retryBaseDelay is the unit of the exponential backoff.
const retryBaseDelay = time.Second

var _ retryablehttp.Backoff = ExponentialJitterBackoff

// ExponentialJitterBackoff waits min*2^attemptNum plus a uniformly random
// jitter in [0, min). A positive max caps the exponential part.
func ExponentialJitterBackoff(min, max time.Duration, attemptNum int, _ *http.Response) time.Duration {
	wait := min << uint(attemptNum)
	if wait < min || (max > 0 && wait > max) {
		wait = max
	}
	if min > 0 {
		wait += time.Duration(rand.Int63n(int64(min)))
	}
	return wait
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

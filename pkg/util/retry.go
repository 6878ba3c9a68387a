package util

import (
	"time"

	"github.com/avast/retry-go"
)

// WithBackoff runs op with exponential backoff: initial delay doubles after
// each failed attempt. Only external data fetches (oracle, metadata) go
// through this — the settlement engine never retries a financial operation.
func WithBackoff(op func() error, attempts uint, initial time.Duration) error {
	return retry.Do(
		op,
		retry.Attempts(attempts),
		retry.Delay(initial),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

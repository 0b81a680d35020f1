package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Backoff yields exponentially growing reconnect delays between Min and Max.
// It is not safe for concurrent use.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	attempt int
}

// Next returns the delay before the next dial attempt. When the last dial
// failed with an HTTP 429 or 503 carrying Retry-After, that value wins.
func (b *Backoff) Next(lastErr error) time.Duration {
	var resp *http.Response
	var dialErr *DialError
	if errors.As(lastErr, &dialErr) {
		resp = dialErr.Response
	}

	delay := retryablehttp.DefaultBackoff(b.Min, b.Max, b.attempt, resp)
	b.attempt++
	return delay
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset restarts the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

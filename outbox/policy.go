package outbox

import (
	"fmt"
	"math"
	"time"
)

const (
	defaultMaxRetries int           = 5
	defaultBaseDelay  time.Duration = time.Minute
	maxShift                        = 62
)

// RetryPolicy decides when a failed message is due again and when it must be
// dead-lettered.
type RetryPolicy struct {
	MaxRetries int           // failures allowed before a message is dead-lettered
	BaseDelay  time.Duration // delay after the first failure
	MaxDelay   time.Duration // upper bound for a single delay (0 = no bound)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
	}
}

// Backoff returns the delay that follows the retryCount-th failure:
// BaseDelay * 2^(retryCount-1), saturating instead of overflowing.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d, ok := p.exponential(retryCount)
	if !ok {
		d = time.Duration(math.MaxInt64)
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// exponential returns BaseDelay * 2^(retryCount-1) and false when the value
// does not fit in a time.Duration.
func (p RetryPolicy) exponential(retryCount int) (time.Duration, bool) {
	shift := retryCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		return 0, false
	}
	multiplier := int64(1) << shift
	if int64(p.BaseDelay) > math.MaxInt64/multiplier {
		return 0, false
	}
	return time.Duration(int64(p.BaseDelay) * multiplier), true
}

// NextRetryAt returns the time a message that failed for the retryCount-th
// time at failedAt becomes due again. It is never before failedAt.
func (p RetryPolicy) NextRetryAt(retryCount int, failedAt time.Time) time.Time {
	next := failedAt.Add(p.Backoff(retryCount))
	if next.Before(failedAt) {
		// time.Time.Add overflowed
		return failedAt
	}
	return next
}

// CanRetry reports whether m is still pending and below the dead-letter
// threshold.
func (p RetryPolicy) CanRetry(m *Message) bool {
	return m != nil && !m.IsProcessed() && m.RetryCount < p.MaxRetries
}

// Validate reports whether every delay up to MaxRetries, once defaults are
// applied, is strictly longer than the previous one. A MaxDelay below the
// last delay or a MaxRetries whose delay overflows would flatten the curve.
func (p RetryPolicy) Validate() error {
	applyRetryDefaults(&p)
	last, ok := p.exponential(p.MaxRetries)
	if !ok {
		return fmt.Errorf("%w: %d retries overflow a base delay of %s", ErrInvalidRetryPolicy, p.MaxRetries, p.BaseDelay)
	}
	if p.MaxDelay > 0 && p.MaxDelay < last {
		return fmt.Errorf("%w: max delay %s is below the delay of retry %d (%s)", ErrInvalidRetryPolicy, p.MaxDelay, p.MaxRetries, last)
	}
	return nil
}

// applyRetryDefaults sets defaults on unset or invalid values.
func applyRetryDefaults(p *RetryPolicy) {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay < 0 {
		p.MaxDelay = 0
	}
}

// validateRetryPolicy applies the defaults to p and validates the result.
func validateRetryPolicy(p *RetryPolicy) error {
	applyRetryDefaults(p)
	return p.Validate()
}

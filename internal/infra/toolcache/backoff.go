package toolcache

import "time"

// backoff yields exponentially growing retry delays up to a cap.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, maxDelay time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &backoff{base: base, max: maxDelay, current: base}
}

func (b *backoff) reset() {
	b.current = b.base
}

// next returns the delay to wait now and doubles the following one.
func (b *backoff) next() time.Duration {
	delay := b.current
	doubled := b.current * 2
	if doubled > b.max {
		doubled = b.max
	}
	b.current = doubled
	return delay
}

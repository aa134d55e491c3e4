package session

import "time"

// Default reconnect backoff bounds
const (
	DefaultBackoffMin = 1 * time.Second
	DefaultBackoffMax = 60 * time.Second
)

// backoff produces exponentially growing reconnect intervals with a cap.
// Reset returns it to the minimum interval; called on every Ready transition.
type backoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = DefaultBackoffMin
	}
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max, next: min}
}

// Next returns the interval to wait before the next attempt and advances
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset returns the backoff to its minimum interval
func (b *backoff) Reset() {
	b.next = b.min
}

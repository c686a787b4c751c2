// Package retry computes redelivery backoff and classifies attempts.
package retry

import "errors"

// ErrEmptySchedule is returned when a backoff is built from no values.
// An empty schedule has no defined delay, so it is rejected up front.
var ErrEmptySchedule = errors.New("retry: empty backoff schedule")

// Attempt classification tags, used for metrics and log labels.
const (
	StatusFirst = "first"
	StatusRetry = "retry"
	StatusLast  = "last"
)

// Backoff maps a 1-based attempt number to a delay. A single value acts as
// a uniform scalar backoff; an ordered schedule is indexed per attempt with
// the last value clamping.
type Backoff struct {
	schedule []int // seconds
}

// New builds a Backoff from one or more per-attempt delays in seconds.
func New(seconds ...int) (*Backoff, error) {
	if len(seconds) == 0 {
		return nil, ErrEmptySchedule
	}
	return &Backoff{schedule: append([]int(nil), seconds...)}, nil
}

// DelayMS returns the delay before the given attempt, in milliseconds.
// attempt is the 1-based next attempt number; the schedule is indexed by
// attempt-1 and clamps at its last element.
func (b *Backoff) DelayMS(attempt int) int64 {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(b.schedule) {
		idx = len(b.schedule) - 1
	}
	return int64(b.schedule[idx]) * 1000
}

// Schedule returns a copy of the configured schedule in seconds.
func (b *Backoff) Schedule() []int {
	return append([]int(nil), b.schedule...)
}

// Status tags attempt k of tries as first, retry or last.
func Status(attempt, tries int) string {
	switch {
	case attempt <= 1:
		return StatusFirst
	case attempt >= tries:
		return StatusLast
	default:
		return StatusRetry
	}
}

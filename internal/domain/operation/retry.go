package operation

import (
	"fmt"
	"time"
)

// Queue names per priority. NONE is handled before routing and never reaches
// the queue mapper.
const (
	QueueDefault    = "orchestration-default"
	QueueHigh       = "orchestration-high"
	QueueQuarantine = "orchestration-quarantine"
)

// RetryPolicy schedules deferred re-runs: bounded attempts, executed inside
// an off-peak wall-clock window so retries do not compete with live traffic.
type RetryPolicy struct {
	MaxAttempts int
	WindowStart int // hour of day, inclusive
	WindowEnd   int // hour of day, exclusive

	now func() time.Time
}

func NewRetryPolicy(maxAttempts, windowStart, windowEnd int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		now:         time.Now,
	}
}

// Exhausted reports whether the attempt counter has used up the budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// inWindow handles windows that wrap past midnight (e.g. 22..6).
func (p RetryPolicy) inWindow(hour int) bool {
	if p.WindowStart == p.WindowEnd {
		return true // degenerate window: always open
	}
	if p.WindowStart < p.WindowEnd {
		return hour >= p.WindowStart && hour < p.WindowEnd
	}
	return hour >= p.WindowStart || hour < p.WindowEnd
}

// NextRunAt returns the earliest time at or after now that falls inside the
// retry window.
func (p RetryPolicy) NextRunAt() time.Time {
	t := p.now().UTC()
	if p.inWindow(t.Hour()) {
		return t
	}
	next := time.Date(t.Year(), t.Month(), t.Day(), p.WindowStart, 0, 0, 0, time.UTC)
	if !next.After(t) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// QueueFor maps a priority onto its task queue.
func QueueFor(p Priority) (string, error) {
	switch p {
	case PriorityDefault:
		return QueueDefault, nil
	case PriorityHigh:
		return QueueHigh, nil
	case PriorityQuarantine:
		return QueueQuarantine, nil
	case PriorityNone:
		return "", fmt.Errorf("priority NONE is never queued")
	}
	return "", fmt.Errorf("unknown priority %q", p)
}

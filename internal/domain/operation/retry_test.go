package operation

import (
	"testing"
	"time"
)

func policyAt(t time.Time, start, end int) RetryPolicy {
	p := NewRetryPolicy(3, start, end)
	p.now = func() time.Time { return t }
	return p
}

func TestNextRunAtInsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 15, 0, 0, time.UTC)
	p := policyAt(now, 22, 6)
	if got := p.NextRunAt(); !got.Equal(now) {
		t.Fatalf("NextRunAt = %v, want now", got)
	}
}

func TestNextRunAtBeforeWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	p := policyAt(now, 22, 6)
	want := time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	if got := p.NextRunAt(); !got.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", got, want)
	}
}

func TestNextRunAtWrapsPastMidnight(t *testing.T) {
	// 03:00 sits inside a 22..06 window even though it is before the start
	// hour on the clock.
	now := time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	p := policyAt(now, 22, 6)
	if got := p.NextRunAt(); !got.Equal(now) {
		t.Fatalf("NextRunAt = %v, want now", got)
	}
}

func TestNextRunAtAfterWindowRollsToNextDay(t *testing.T) {
	now := time.Date(2026, 3, 11, 7, 30, 0, 0, time.UTC)
	p := policyAt(now, 2, 6)
	want := time.Date(2026, 3, 12, 2, 0, 0, 0, time.UTC)
	if got := p.NextRunAt(); !got.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", got, want)
	}
}

func TestNextRunAtDegenerateWindowAlwaysOpen(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	p := policyAt(now, 0, 0)
	if got := p.NextRunAt(); !got.Equal(now) {
		t.Fatalf("NextRunAt = %v, want now", got)
	}
}

func TestExhausted(t *testing.T) {
	p := NewRetryPolicy(3, 22, 6)
	if p.Exhausted(2) {
		t.Fatal("attempt 2 of 3 should not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Fatal("attempt 3 of 3 should be exhausted")
	}
}

func TestQueueForRouting(t *testing.T) {
	cases := map[Priority]string{
		PriorityDefault:    QueueDefault,
		PriorityHigh:       QueueHigh,
		PriorityQuarantine: QueueQuarantine,
	}
	for p, want := range cases {
		got, err := QueueFor(p)
		if err != nil || got != want {
			t.Fatalf("QueueFor(%s) = %q, %v; want %q", p, got, err, want)
		}
	}
	if _, err := QueueFor(PriorityNone); err == nil {
		t.Fatal("NONE should never map to a queue")
	}
}

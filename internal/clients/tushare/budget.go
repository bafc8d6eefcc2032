package tushare

import (
	"strings"
	"sync"
	"time"
)

// HourlyBudget caps expensive realtime calls on the free tier. It keeps a
// deque of successful-call timestamps and admits a call only while fewer
// than cap timestamps fall inside the trailing hour. Record is separate
// from Allow so that a failed provider call does not consume budget.
type HourlyBudget struct {
	mu    sync.Mutex
	cap   int
	calls []time.Time

	now func() time.Time
}

// NewHourlyBudget creates a budget admitting at most capPerHour calls per
// rolling hour.
func NewHourlyBudget(capPerHour int) *HourlyBudget {
	return &HourlyBudget{
		cap: capPerHour,
		now: time.Now,
	}
}

// Allow reports whether another call fits in the trailing hour.
func (b *HourlyBudget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return len(b.calls) < b.cap
}

// Record marks one successful call against the budget.
func (b *HourlyBudget) Record() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.prune(now)
	b.calls = append(b.calls, now)
}

// Remaining returns how many calls the trailing hour still admits.
func (b *HourlyBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	if n := b.cap - len(b.calls); n > 0 {
		return n
	}
	return 0
}

func (b *HourlyBudget) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(b.calls) && !b.calls[i].After(cutoff) {
		i++
	}
	b.calls = b.calls[i:]
}

// MinIntervalGate spaces premium realtime calls by a minimum interval.
type MinIntervalGate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time

	now func() time.Time
}

// NewMinIntervalGate creates a gate requiring interval between calls.
func NewMinIntervalGate(interval time.Duration) *MinIntervalGate {
	return &MinIntervalGate{
		interval: interval,
		now:      time.Now,
	}
}

// Allow reports whether the interval since the last recorded call has
// elapsed. A gate that has never recorded a call always allows.
func (g *MinIntervalGate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last.IsZero() {
		return true
	}
	return g.now().Sub(g.last) >= g.interval
}

// Record marks one successful call.
func (g *MinIntervalGate) Record() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = g.now()
}

// IsPermissionError reports whether err is a Tushare application error that
// indicates missing endpoint permission rather than a transient failure.
// Tushare signals this with code 40203 or a message naming 权限 or 积分.
func IsPermissionError(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	if apiErr.Code == 40203 {
		return true
	}
	return strings.Contains(apiErr.Message, "权限") || strings.Contains(apiErr.Message, "积分")
}

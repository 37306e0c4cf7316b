package http3

import (
	"sync"
	"time"
)

// TimeoutReason names a tracked inactivity deadline.
type TimeoutReason uint8

const (
	// TimeoutKeepAlive: no inbound frame on the whole connection.
	TimeoutKeepAlive TimeoutReason = iota
	// TimeoutHeaderRead: a request stream has not delivered its HEADERS.
	TimeoutHeaderRead
	// TimeoutBodyRead: a body transfer has stalled between DATA frames.
	TimeoutBodyRead
	// TimeoutRequestDrain: in-flight requests outlived graceful shutdown.
	TimeoutRequestDrain
)

func (r TimeoutReason) String() string {
	switch r {
	case TimeoutKeepAlive:
		return "keep_alive"
	case TimeoutHeaderRead:
		return "header_read"
	case TimeoutBodyRead:
		return "body_read"
	case TimeoutRequestDrain:
		return "request_drain"
	default:
		return "unknown"
	}
}

type timeoutEntry struct {
	deadline time.Duration
	lastSeen time.Time
	armed    bool
	fired    bool
}

// TimeoutTracker watches per-reason inactivity deadlines. It has no timer of
// its own: the embedding runtime drives it by calling Tick at its heartbeat
// interval. A deadline fires onTimeout exactly once; re-ticking past an
// already reported boundary stays silent until Activity or Arm resets it.
// Safe for concurrent use.
type TimeoutTracker struct {
	mu        sync.Mutex
	entries   map[TimeoutReason]*timeoutEntry
	onTimeout func(TimeoutReason)
}

// NewTimeoutTracker returns a tracker reporting through onTimeout. Reasons
// are inert until armed.
func NewTimeoutTracker(onTimeout func(TimeoutReason)) *TimeoutTracker {
	return &TimeoutTracker{
		entries:   make(map[TimeoutReason]*timeoutEntry),
		onTimeout: onTimeout,
	}
}

// Arm starts (or restarts) tracking reason with the given inactivity
// deadline, measured from now. Re-arming clears a fired state.
func (t *TimeoutTracker) Arm(reason TimeoutReason, deadline time.Duration, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[reason] = &timeoutEntry{deadline: deadline, lastSeen: now, armed: true}
}

// Disarm stops tracking reason.
func (t *TimeoutTracker) Disarm(reason TimeoutReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[reason]; ok {
		e.armed = false
	}
}

// Activity records activity for reason at now, pushing its deadline out and
// clearing any fired state. A no-op for unarmed reasons.
func (t *TimeoutTracker) Activity(reason TimeoutReason, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[reason]; ok && e.armed {
		e.lastSeen = now
		e.fired = false
	}
}

// Tick advances the tracker to now, firing onTimeout once for every armed
// reason whose deadline has elapsed since its last activity.
func (t *TimeoutTracker) Tick(now time.Time) {
	t.mu.Lock()
	var fired []TimeoutReason
	for reason, e := range t.entries {
		if e.armed && !e.fired && now.Sub(e.lastSeen) >= e.deadline {
			e.fired = true
			fired = append(fired, reason)
		}
	}
	t.mu.Unlock()

	// Callbacks run outside the lock so they may Arm or Disarm freely.
	for _, reason := range fired {
		t.onTimeout(reason)
	}
}

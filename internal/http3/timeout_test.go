package http3

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutFiresExactlyOnce(t *testing.T) {
	var fired []TimeoutReason
	tr := NewTimeoutTracker(func(r TimeoutReason) { fired = append(fired, r) })

	start := time.Unix(1000, 0)
	tr.Arm(TimeoutKeepAlive, 30*time.Second, start)

	tr.Tick(start.Add(29 * time.Second))
	assert.Empty(t, fired)

	tr.Tick(start.Add(30 * time.Second))
	require.Equal(t, []TimeoutReason{TimeoutKeepAlive}, fired)

	// Ticking past an already reported boundary stays silent.
	tr.Tick(start.Add(31 * time.Second))
	tr.Tick(start.Add(5 * time.Minute))
	assert.Len(t, fired, 1)
}

func TestTimeoutActivityResets(t *testing.T) {
	var fired []TimeoutReason
	tr := NewTimeoutTracker(func(r TimeoutReason) { fired = append(fired, r) })

	start := time.Unix(1000, 0)
	tr.Arm(TimeoutBodyRead, 10*time.Second, start)

	tr.Activity(TimeoutBodyRead, start.Add(8*time.Second))
	tr.Tick(start.Add(12 * time.Second))
	assert.Empty(t, fired, "activity pushed the deadline out")

	tr.Tick(start.Add(18 * time.Second))
	require.Equal(t, []TimeoutReason{TimeoutBodyRead}, fired)

	// Activity after a fire clears the fired state, so it can fire again.
	tr.Activity(TimeoutBodyRead, start.Add(20*time.Second))
	tr.Tick(start.Add(31 * time.Second))
	assert.Equal(t, []TimeoutReason{TimeoutBodyRead, TimeoutBodyRead}, fired)
}

func TestTimeoutDisarm(t *testing.T) {
	var fired []TimeoutReason
	tr := NewTimeoutTracker(func(r TimeoutReason) { fired = append(fired, r) })

	start := time.Unix(1000, 0)
	tr.Arm(TimeoutHeaderRead, time.Second, start)
	tr.Disarm(TimeoutHeaderRead)
	tr.Tick(start.Add(time.Hour))
	assert.Empty(t, fired)

	// Re-arming after a disarm tracks again.
	tr.Arm(TimeoutHeaderRead, time.Second, start.Add(time.Hour))
	tr.Tick(start.Add(time.Hour + 2*time.Second))
	assert.Equal(t, []TimeoutReason{TimeoutHeaderRead}, fired)
}

func TestTimeoutIndependentReasons(t *testing.T) {
	seen := map[TimeoutReason]int{}
	tr := NewTimeoutTracker(func(r TimeoutReason) { seen[r]++ })

	start := time.Unix(1000, 0)
	tr.Arm(TimeoutKeepAlive, 30*time.Second, start)
	tr.Arm(TimeoutHeaderRead, 5*time.Second, start)

	tr.Tick(start.Add(6 * time.Second))
	assert.Equal(t, map[TimeoutReason]int{TimeoutHeaderRead: 1}, seen)

	tr.Tick(start.Add(31 * time.Second))
	assert.Equal(t, map[TimeoutReason]int{TimeoutHeaderRead: 1, TimeoutKeepAlive: 1}, seen)
}

func TestTimeoutRearmFromCallback(t *testing.T) {
	start := time.Unix(1000, 0)
	count := 0
	var tr *TimeoutTracker
	tr = NewTimeoutTracker(func(r TimeoutReason) {
		count++
		// Callbacks may mutate the tracker without deadlocking.
		tr.Arm(r, time.Second, start.Add(time.Duration(count)*10*time.Second))
	})

	tr.Arm(TimeoutRequestDrain, time.Second, start)
	tr.Tick(start.Add(2 * time.Second))
	require.Equal(t, 1, count)
	tr.Tick(start.Add(12 * time.Second))
	assert.Equal(t, 2, count)
}

func TestTimeoutReasonString(t *testing.T) {
	assert.Equal(t, "keep_alive", TimeoutKeepAlive.String())
	assert.Equal(t, "header_read", TimeoutHeaderRead.String())
	assert.Equal(t, "body_read", TimeoutBodyRead.String())
	assert.Equal(t, "request_drain", TimeoutRequestDrain.String())
}

// Scenario: one keep-alive expiry produces one notification, and a tick
// before new activity does not refire it.
func TestKeepAliveSingleNotification(t *testing.T) {
	var fired int
	tr := NewTimeoutTracker(func(r TimeoutReason) {
		require.Equal(t, TimeoutKeepAlive, r)
		fired++
	})

	start := time.Unix(2000, 0)
	tr.Arm(TimeoutKeepAlive, 15*time.Second, start)
	tr.Tick(start.Add(16 * time.Second))
	tr.Tick(start.Add(17 * time.Second))
	assert.Equal(t, 1, fired)
}

package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy_Delay_WithinJitterBounds(t *testing.T) {
	b := DefaultBackoffPolicy()

	for attempt := 1; attempt <= b.MaxAttempt; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, b.Cap)
	}
}

func TestBackoffPolicy_Exhausted(t *testing.T) {
	b := DefaultBackoffPolicy()
	assert.False(t, b.Exhausted(1))
	assert.False(t, b.Exhausted(b.MaxAttempt-1))
	assert.True(t, b.Exhausted(b.MaxAttempt))
	assert.True(t, b.Exhausted(b.MaxAttempt+1))
}

func TestFailureKind_Permanent(t *testing.T) {
	cases := map[FailureKind]bool{
		FailureAuthentication:   true,
		FailureQuota:            true,
		FailureProtocolMismatch: true,
		FailureRateLimit:        false,
		FailureUpstream:         false,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.Permanent(), "kind %v", kind)
	}
}

func TestCounters_Health(t *testing.T) {
	t.Run("idle is healthy", func(t *testing.T) {
		var c Counters
		assert.Equal(t, HealthHealthy, c.Health())
	})

	t.Run("under 2 percent error is healthy", func(t *testing.T) {
		var c Counters
		for i := 0; i < 100; i++ {
			c.RecordCall(i == 0) // 1/100 = 1%
		}
		assert.Equal(t, HealthHealthy, c.Health())
	})

	t.Run("under 20 percent error is degraded", func(t *testing.T) {
		var c Counters
		for i := 0; i < 100; i++ {
			c.RecordCall(i < 10) // 10%
		}
		assert.Equal(t, HealthDegraded, c.Health())
	})

	t.Run("20 percent or more is unhealthy", func(t *testing.T) {
		var c Counters
		for i := 0; i < 100; i++ {
			c.RecordCall(i < 30) // 30%
		}
		assert.Equal(t, HealthUnhealthy, c.Health())
	})

	t.Run("reset clears the window", func(t *testing.T) {
		var c Counters
		for i := 0; i < 100; i++ {
			c.RecordCall(true)
		}
		c.Reset()
		assert.Equal(t, HealthHealthy, c.Health())
	})
}

func TestProviderError_Unwrap(t *testing.T) {
	inner := assertionError("dial tcp: connection refused")
	err := NewProviderError("deepgram", FailureUpstream, inner)
	assert.Equal(t, inner, err.Unwrap())
	assert.Contains(t, err.Error(), "deepgram")
}

type assertionError string

func (e assertionError) Error() string { return string(e) }

package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelayGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestPolicyDelayClampsAttempt(t *testing.T) {
	p := Policy{InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(-3))
}

func TestPolicyExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestPolicyZeroValueUsesDefaults(t *testing.T) {
	var p Policy
	d := DefaultPolicy()
	assert.Equal(t, d.InitialInterval, p.Delay(1))
	assert.False(t, p.Exhausted(d.MaxAttempts-1))
	assert.True(t, p.Exhausted(d.MaxAttempts))
}

func TestPolicyNext(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialInterval: time.Minute, MaxInterval: time.Hour, Multiplier: 3}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, now.Add(3*time.Minute), p.Next(now, 2))
}

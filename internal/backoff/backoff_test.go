// ABOUTME: Tests for the backoff policy delay calculation.
// ABOUTME: Covers growth, capping, jitter bounds, and attempt clamping.

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_GrowsExponentially(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Hour, Factor: 2, Jitter: 0}

	assert.Equal(t, 1*time.Second, p.delayWithRand(1, 0))
	assert.Equal(t, 2*time.Second, p.delayWithRand(2, 0))
	assert.Equal(t, 4*time.Second, p.delayWithRand(3, 0))
	assert.Equal(t, 8*time.Second, p.delayWithRand(4, 0))
}

func TestDelay_CappedAtMax(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 2, Jitter: 0}

	assert.Equal(t, 5*time.Second, p.delayWithRand(10, 0))
}

func TestDelay_JitterWithinBounds(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Hour, Factor: 2, Jitter: 0.5}

	// attempt 1, full random: base 1s + 1s*0.5*1.0 = 1.5s
	assert.Equal(t, 1500*time.Millisecond, p.delayWithRand(1, 1.0))
	// zero random means no jitter at all
	assert.Equal(t, time.Second, p.delayWithRand(1, 0))
}

func TestDelay_AttemptClampedToOne(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Hour, Factor: 2, Jitter: 0}

	assert.Equal(t, time.Second, p.delayWithRand(0, 0))
	assert.Equal(t, time.Second, p.delayWithRand(-3, 0))
}

func TestDefault_Sane(t *testing.T) {
	p := Default()
	assert.Equal(t, time.Second, p.Initial)
	assert.Equal(t, 60*time.Second, p.Max)
	assert.GreaterOrEqual(t, p.Factor, 1.0)
}

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDoublesUntilCap(t *testing.T) {
	b := New(time.Second, 8*time.Second, 0, 0)
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
}

func TestExhaustedAfterMaxAttempts(t *testing.T) {
	b := New(time.Second, time.Minute, 0, 3)
	assert.False(t, b.Exhausted())
	b.Next()
	b.Next()
	assert.False(t, b.Exhausted())
	b.Next()
	assert.True(t, b.Exhausted())
}

func TestResetClearsAttempt(t *testing.T) {
	b := New(time.Second, time.Minute, 0, 3)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.False(t, b.Exhausted())
}

func TestNextAfterHonorsRetryAfterPlusJitter(t *testing.T) {
	b := New(time.Second, time.Minute, 0, 5)
	d := b.NextAfter(10 * time.Second)
	assert.GreaterOrEqual(t, d, 11*time.Second)
	assert.LessOrEqual(t, d, 19*time.Second)
	assert.Equal(t, 1, b.Attempt())
}

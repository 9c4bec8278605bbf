package invalidate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoalescer_AllowsFirstAndSuppressesWithinWindow(t *testing.T) {
	c := NewCoalescer(100 * time.Millisecond)

	assert.True(t, c.Allow("patients:42"))
	assert.False(t, c.Allow("patients:42"))
	assert.True(t, c.Allow("patients:43"))
}

func TestCoalescer_AllowsAfterWindowElapses(t *testing.T) {
	c := NewCoalescer(100 * time.Millisecond)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	assert.True(t, c.Allow("patients:42"))

	now = now.Add(50 * time.Millisecond)
	assert.False(t, c.Allow("patients:42"))

	now = now.Add(50 * time.Millisecond)
	assert.True(t, c.Allow("patients:42"))
}

func TestCoalescer_ZeroWindowDisablesSuppression(t *testing.T) {
	c := NewCoalescer(0)

	assert.True(t, c.Allow("patients:42"))
	assert.True(t, c.Allow("patients:42"))
}

func TestCoalescer_ResetsWhenMapGrowsTooLarge(t *testing.T) {
	c := NewCoalescer(time.Hour)

	assert.True(t, c.Allow("patients:42"))

	for i := 0; i <= coalescerMaxEntries; i++ {
		c.Allow(string(rune('a')) + time.Duration(i).String())
	}

	// The window map was cleared, so the original key is allowed again.
	assert.True(t, c.Allow("patients:42"))
}

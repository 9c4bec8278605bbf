package dispatch

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupe_FirstSightingIsNotSeen(t *testing.T) {
	d := NewDedupe(0)
	now := time.Now().UnixNano()
	payload := []byte(`{"id":"42"}`)

	assert.False(t, d.Seen("patients", "42", now, payload))
	assert.True(t, d.Seen("patients", "42", now, payload))
}

func TestDedupe_DistinguishesKeyComponents(t *testing.T) {
	d := NewDedupe(0)
	now := time.Now().UnixNano()
	payload := []byte(`{"id":"42"}`)

	assert.False(t, d.Seen("patients", "42", now, payload))
	assert.False(t, d.Seen("patients", "43", now, payload))
	assert.False(t, d.Seen("visits", "42", now, payload))
	assert.False(t, d.Seen("patients", "42", now+1, payload))
}

func TestDedupe_DistinguishesPayloadContent(t *testing.T) {
	d := NewDedupe(0)
	now := time.Now().UnixNano()

	// Feeds with second-precision timestamps can emit two distinct changes
	// to the same record with identical timestamps
	assert.False(t, d.Seen("patients", "42", now, []byte(`{"status":"admitted"}`)))
	assert.False(t, d.Seen("patients", "42", now, []byte(`{"status":"discharged"}`)))
	assert.True(t, d.Seen("patients", "42", now, []byte(`{"status":"admitted"}`)))
}

func TestDedupe_RemembersAcrossRotation(t *testing.T) {
	d := NewDedupe(1000)
	now := time.Now().UnixNano()
	payload := []byte(`{"id":"42"}`)

	assert.False(t, d.Seen("patients", "42", now, payload))

	// Force a rotation by filling the active generation
	for i := 0; uint(i) < d.rotateAt; i++ {
		d.Seen("fill", strconv.Itoa(i), now, nil)
	}

	// The entry survived in the previous generation
	assert.True(t, d.Seen("patients", "42", now, payload))
}

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityFilter_EmptyMatchesEverything(t *testing.T) {
	f, err := NewEntityFilter(nil)
	require.NoError(t, err)

	assert.True(t, f.Match("patients"))
	assert.True(t, f.Match("anything"))
}

func TestEntityFilter_GlobPatterns(t *testing.T) {
	f, err := NewEntityFilter([]string{"patients", "visit_*"})
	require.NoError(t, err)

	assert.True(t, f.Match("patients"))
	assert.True(t, f.Match("visit_notes"))
	assert.False(t, f.Match("audit_log"))
}

func TestEntityFilter_InvalidPattern(t *testing.T) {
	_, err := NewEntityFilter([]string{"[unclosed"})
	require.Error(t, err)
}

package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	id, err := parseID("node", "1017")
	require.NoError(t, err)
	assert.Equal(t, uint(1017), id)

	for _, raw := range []string{"0", "-3", "abc", ""} {
		_, err := parseID("node", raw)
		assert.Error(t, err, raw)
	}
}

func TestParseUntil(t *testing.T) {
	got, err := parseUntil("2026-12-31T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 12, 31, 10, 0, 0, 0, time.UTC)))

	got, err = parseUntil("2026-12-31")
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.December, got.Month())
	assert.Equal(t, 31, got.Day())

	_, err = parseUntil("next tuesday")
	assert.ErrorContains(t, err, "invalid --until")
}

package hostname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValid(t *testing.T) {
	for _, h := range []string{
		"host1",
		"host1.example.com",
		"under_score.example.com",
		"UPPER-case.Example",
		"123.456",
	} {
		assert.NoError(t, Valid(h), h)
	}
	for _, h := range []string{
		"",
		".leadingdot",
		"trailingdot.",
		"double..dot",
		"bad host",
		"bad/host",
	} {
		assert.Error(t, Valid(h), h)
	}
}

func TestDC(t *testing.T) {
	got, err := DC("host1.example.com")
	require.NoError(t, err)
	assert.Equal(t, "DC=host1,DC=example,DC=com", got)

	got, err = DC("")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestPopDomain(t *testing.T) {
	pre, matched, err := PopDomain("host1.example.com", "example.com")
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, "host1", pre)

	pre, matched, err = PopDomain("a.b.example.com", "example.com")
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, "a.b", pre)

	pre, matched, err = PopDomain("host1.other.org", "example.com")
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Equal(t, "host1.other.org", pre)
}

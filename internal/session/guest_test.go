package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestRulesZeroValueAllowsEverything(t *testing.T) {
	var g *GuestRules
	assert.True(t, g.Allowed("10.0.0.1"))

	g, err := NewGuestRules(nil, nil)
	require.NoError(t, err)
	assert.True(t, g.Allowed("10.0.0.1"))
	assert.True(t, g.Allowed("not-an-ip"))
}

func TestGuestRulesDenyWins(t *testing.T) {
	g, err := NewGuestRules([]string{"10.0.0.0/8"}, []string{"10.1.0.0/16"})
	require.NoError(t, err)

	assert.True(t, g.Allowed("10.0.0.1"))
	assert.False(t, g.Allowed("10.1.2.3"))
	assert.False(t, g.Allowed("192.168.1.1"), "outside the allow list")
}

func TestGuestRulesDenyOnlyAllowsTheRest(t *testing.T) {
	g, err := NewGuestRules(nil, []string{"192.168.0.0/16"})
	require.NoError(t, err)

	assert.False(t, g.Allowed("192.168.1.1"))
	assert.True(t, g.Allowed("10.0.0.1"))
}

func TestGuestRulesRejectsBadCIDR(t *testing.T) {
	_, err := NewGuestRules([]string{"10.0.0.0/99"}, nil)
	assert.Error(t, err)
}

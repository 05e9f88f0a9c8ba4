package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerGetIsStablePerName(t *testing.T) {
	b := NewMockBroker()
	first := b.Get("github_token")
	second := b.Get("github_token")
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, b.Get("aws_key"))
}

func TestIsApproved(t *testing.T) {
	assert.True(t, IsApproved("github_token", []string{"github_token", "aws_key"}))
	assert.False(t, IsApproved("github_token", []string{"aws_key"}))
	assert.False(t, IsApproved("github_token", nil))
}

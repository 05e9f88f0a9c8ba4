package allowlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	cases := []struct {
		domain, pattern string
		want            bool
	}{
		{"anything.com", "*", true},
		{"api.github.com", "*.github.com", true},
		{"a.b.github.com", "*.github.com", true},
		{"github.com", "*.github.com", false},
		{"github.com", "github.com", true},
		{"GitHub.com", "github.com", true},
		{"github.com", "GITHUB.COM", true},
		{"evil.com", "github.com", false},
		{"notgithub.com", "*.github.com", false},
	}
	for _, c := range cases {
		got := Matches(c.domain, c.pattern)
		assert.Equalf(t, c.want, got, "Matches(%q, %q)", c.domain, c.pattern)
	}
}

func TestStoreAuthorizedExpiry(t *testing.T) {
	s := NewStore()
	s.AddTimed("sess1", "api.example.com", 1000)

	assert.True(t, s.Authorized("sess1", "api.example.com", 999))
	assert.False(t, s.Authorized("sess1", "api.example.com", 1000))
	assert.False(t, s.Authorized("sess1", "api.example.com", 1001))
}

func TestStoreWildcardStar(t *testing.T) {
	s := NewStore()
	s.AddExecTemp("sess1", "*")
	assert.True(t, s.Authorized("sess1", "anything.at.all", 0))
}

func TestStoreClearExecTemp(t *testing.T) {
	s := NewStore()
	s.AddExecTemp("sess1", "api.example.com")
	require.True(t, s.Authorized("sess1", "api.example.com", 0))

	s.ClearExecTemp("sess1")
	assert.False(t, s.Authorized("sess1", "api.example.com", 0))
}

func TestStoreSnapshotIsCopy(t *testing.T) {
	s := NewStore()
	s.AddPermanent("sess1", "api.example.com")

	snap := s.Snapshot("sess1")
	snap.Permanent["injected.com"] = struct{}{}

	assert.False(t, s.Authorized("sess1", "injected.com", 0))
}

func TestStoreUnknownSessionAuthorizedFalse(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Authorized("unknown", "api.example.com", 0))
}

func TestStoreDelete(t *testing.T) {
	s := NewStore()
	s.AddPermanent("sess1", "api.example.com")
	s.Delete("sess1")
	assert.False(t, s.Authorized("sess1", "api.example.com", 0))
}

// Package allowlist implements the per-session domain allowlist and the
// pattern-matching rule the Sandbox Manager and Egress Proxy both apply
// to decide whether an outbound domain is already authorized (§3, §4.4).
// Matching is grounded on go-opencode's internal/permission wildcard
// matcher (command-pattern matching with a single trailing "*"), adapted
// here to domain suffix matching instead of argv matching.
package allowlist

import (
	"strings"
	"sync"

	"github.com/carapace-run/carapace/pkg/types"
)

// Matches reports whether domain is authorized by pattern, per §3:
//   - "*" matches anything.
//   - "*.x.y" matches any strict subdomain of x.y, not x.y itself.
//   - otherwise exact match.
//
// Comparison is case-insensitive on both sides.
func Matches(domain, pattern string) bool {
	domain = strings.ToLower(domain)
	pattern = strings.ToLower(pattern)

	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return domain != suffix && strings.HasSuffix(domain, "."+suffix)
	}
	return domain == pattern
}

// AnyMatches reports whether domain matches any pattern in the set.
func AnyMatches(domain string, patterns map[string]struct{}) bool {
	for p := range patterns {
		if Matches(domain, p) {
			return true
		}
	}
	return false
}

// Store owns every session's DomainAllowlist. The Sandbox Manager is the
// only mutator; the Egress Proxy reads through Snapshot, which the §3
// ownership rule requires to be lock-free from the caller's perspective
// and copy-safe.
type Store struct {
	mu   sync.Mutex
	byID map[string]*types.DomainAllowlist
}

func NewStore() *Store {
	return &Store{byID: make(map[string]*types.DomainAllowlist)}
}

// Ensure returns the session's allowlist, creating an empty one if absent.
func (s *Store) Ensure(sessionID string) *types.DomainAllowlist {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[sessionID]
	if !ok {
		a = types.NewDomainAllowlist()
		s.byID[sessionID] = a
	}
	return a
}

// Snapshot returns a deep copy of the session's allowlist, or an empty
// one if the session has none. Safe to call without any external lock —
// this is the read path the Egress Proxy uses (§3 "the proxy's
// get_allowed_domains is read without the lock").
func (s *Store) Snapshot(sessionID string) *types.DomainAllowlist {
	s.mu.Lock()
	a, ok := s.byID[sessionID]
	s.mu.Unlock()
	if !ok {
		return types.NewDomainAllowlist()
	}
	return a.Snapshot()
}

// AddPermanent adds pattern to the session's permanent bucket.
func (s *Store) AddPermanent(sessionID, pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(sessionID).Permanent[pattern] = struct{}{}
}

// AddExecTemp adds pattern to the session's exec-scoped bucket.
func (s *Store) AddExecTemp(sessionID, pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(sessionID).ExecTemp[pattern] = struct{}{}
}

// AddTimed sets pattern in the session's timed bucket to expire at
// expiresAtEpoch.
func (s *Store) AddTimed(sessionID, pattern string, expiresAtEpoch int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(sessionID).Timed[pattern] = expiresAtEpoch
}

// ClearExecTemp empties the session's exec-scoped bucket. Called by the
// Sandbox Manager at the end of every exec tool call (§3).
func (s *Store) ClearExecTemp(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[sessionID]
	if !ok {
		return
	}
	a.ExecTemp = make(map[string]struct{})
}

// Delete removes a session's allowlist entirely, used on session deletion.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, sessionID)
}

func (s *Store) ensureLocked(sessionID string) *types.DomainAllowlist {
	a, ok := s.byID[sessionID]
	if !ok {
		a = types.NewDomainAllowlist()
		s.byID[sessionID] = a
	}
	return a
}

// Authorized reports whether domain is currently authorized for the
// session, evaluating the effective set (§3) as of nowEpoch.
func (s *Store) Authorized(sessionID, domain string, nowEpoch int64) bool {
	snap := s.Snapshot(sessionID)
	effective := snap.Effective(nowEpoch)
	if _, ok := effective["*"]; ok {
		return true
	}
	return AnyMatches(domain, effective)
}

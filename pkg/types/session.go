package types

// SessionState is the persisted, per-session mutable record that the
// gate and orchestrator consult and mutate. It is owned exclusively by
// the session store; callers read and write it while holding the
// session's lock.
//
// Invariants (kept by Disable below and by internal/rules, which skips
// disabled rules and so never activates one):
//   - ActivatedRules and DisabledRules are disjoint.
//   - ActivatedRules only ever grows within a session; nothing removes
//     an entry except a user-issued /disable, which instead moves the
//     id into DisabledRules.
type SessionState struct {
	SessionID         string   `yaml:"session_id"`
	ChannelType       string   `yaml:"channel_type"`
	ChannelRef        string   `yaml:"channel_ref"`
	ActivatedRules    []string `yaml:"activated_rules"`
	DisabledRules     []string `yaml:"disabled_rules"`
	ApprovedCreds     []string `yaml:"approved_credentials,omitempty"`
	ApprovedOps       []string `yaml:"approved_operations,omitempty"`
	CreatedAt         int64    `yaml:"created_at"`
	LastActive        int64    `yaml:"last_active"`

	// ParentID names the session this one was forked from, if any.
	ParentID string `yaml:"parent_id,omitempty"`
	// RevertedToMessageID records an in-progress revert target.
	RevertedToMessageID string `yaml:"reverted_to_message_id,omitempty"`
}

// HasActivated reports whether the rule id is already in force for the
// session.
func (s *SessionState) HasActivated(ruleID string) bool {
	for _, id := range s.ActivatedRules {
		if id == ruleID {
			return true
		}
	}
	return false
}

// IsDisabled reports whether the rule id has been disabled for this
// session via /disable.
func (s *SessionState) IsDisabled(ruleID string) bool {
	for _, id := range s.DisabledRules {
		if id == ruleID {
			return true
		}
	}
	return false
}

// Activate appends ruleID to ActivatedRules if it is not already
// present. Apart from Disable, which removes the id, this is the only
// mutation ActivatedRules undergoes within a session's lifetime.
func (s *SessionState) Activate(ruleID string) {
	if !s.HasActivated(ruleID) {
		s.ActivatedRules = append(s.ActivatedRules, ruleID)
	}
}

// Disable moves ruleID into DisabledRules and removes it from
// ActivatedRules, maintaining the disjointness invariant. Scoped to
// this session only.
func (s *SessionState) Disable(ruleID string) {
	if !s.IsDisabled(ruleID) {
		s.DisabledRules = append(s.DisabledRules, ruleID)
	}
	kept := s.ActivatedRules[:0]
	for _, id := range s.ActivatedRules {
		if id != ruleID {
			kept = append(kept, id)
		}
	}
	s.ActivatedRules = kept
}

// Enable removes ruleID from DisabledRules, letting it re-activate on
// its own trigger again.
func (s *SessionState) Enable(ruleID string) {
	kept := s.DisabledRules[:0]
	for _, id := range s.DisabledRules {
		if id != ruleID {
			kept = append(kept, id)
		}
	}
	s.DisabledRules = kept
}

// SessionInfo is the REST-facing summary of a session (§6).
type SessionInfo struct {
	SessionID  string `json:"sessionID"`
	ChannelRef string `json:"channelRef,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	LastActive int64  `json:"lastActive"`
	ParentID   string `json:"parentID,omitempty"`
}

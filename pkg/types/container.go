package types

// SessionContainer is the record of a session's sandboxed execution
// environment (§3), owned exclusively by the Sandbox Manager.
type SessionContainer struct {
	ContainerID      string   `json:"containerID" yaml:"container_id"`
	SessionID        string   `json:"sessionID" yaml:"session_id"`
	IPAddress        string   `json:"ipAddress,omitempty" yaml:"ip_address,omitempty"`
	CreatedAt        int64    `json:"createdAt" yaml:"created_at"`
	LastUsed         int64    `json:"lastUsed" yaml:"last_used"`
	ActivatedSkills  []string `json:"activatedSkills,omitempty" yaml:"activated_skills,omitempty"`
	ProxyToken       string   `json:"-" yaml:"-"`
}

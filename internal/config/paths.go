// Package config loads Carapace's configuration and rule set, and
// resolves the data-directory layout the rest of the process depends on.
package config

import (
	"os"
	"path/filepath"
)

// Paths resolves the on-disk layout rooted at the data directory
// (§6 "Persisted state layout" plus the config/rules/token files
// §6 "Environment" names).
type Paths struct {
	DataDir string
}

// GetPaths resolves Paths from CARAPACE_DATA_DIR, defaulting to "./data"
// as src/carapace/config.py's get_data_dir does.
func GetPaths() *Paths {
	dir := os.Getenv("CARAPACE_DATA_DIR")
	if dir == "" {
		dir = "./data"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return &Paths{DataDir: abs}
}

// HostDataDir returns the path the container runtime should use for
// bind mounts. When the server itself runs containerized,
// CARAPACE_HOST_DATA_DIR rewrites the in-container data dir to its
// host-absolute equivalent so bind-mount source paths resolve on the
// host rather than inside this container (§6 "Environment").
func (p *Paths) HostDataDir() string {
	if host := os.Getenv("CARAPACE_HOST_DATA_DIR"); host != "" {
		return host
	}
	return p.DataDir
}

func (p *Paths) ConfigPath() string  { return filepath.Join(p.DataDir, "config.yaml") }
func (p *Paths) RulesPath() string   { return filepath.Join(p.DataDir, "rules.yaml") }
func (p *Paths) TokenPath() string   { return filepath.Join(p.DataDir, "server.token") }
func (p *Paths) MemoryDir() string   { return filepath.Join(p.DataDir, "memory") }
func (p *Paths) SkillsDir() string   { return filepath.Join(p.DataDir, "skills") }
func (p *Paths) SessionsDir() string { return filepath.Join(p.DataDir, "sessions") }

func (p *Paths) SessionDir(sessionID string) string {
	return filepath.Join(p.SessionsDir(), sessionID)
}

// EnsurePaths creates the directories Carapace writes into directly.
// Session subdirectories are created lazily by internal/storage.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.DataDir, p.MemoryDir(), p.SkillsDir(), p.SessionsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

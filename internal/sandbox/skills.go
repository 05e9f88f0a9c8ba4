package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/runtime"
	"github.com/carapace-run/carapace/pkg/types"
)

// SkillInfo is the progressive-disclosure summary of a skill: only its
// SKILL.md frontmatter, not the full instruction body (§4.3 "Skill
// activation"). Grounded on src/carapace/skills.py's SkillRegistry and
// src/carapace/models.py's SkillInfo.
type SkillInfo struct {
	Name        string
	Description string
	Path        string
}

type skillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// SkillRegistry scans the master skills/ tree for SKILL.md frontmatter
// and loads full instruction bodies only on demand.
type SkillRegistry struct {
	skillsDir string
	catalog   []SkillInfo
	scanned   bool
}

// NewSkillRegistry returns a registry rooted at skillsDir.
func NewSkillRegistry(skillsDir string) *SkillRegistry {
	return &SkillRegistry{skillsDir: skillsDir}
}

// Scan lists every skill under the master tree with only its
// frontmatter parsed, caching the result for subsequent calls.
func (r *SkillRegistry) Scan() []SkillInfo {
	if r.scanned {
		return r.catalog
	}
	r.scanned = true

	entries, err := os.ReadDir(r.skillsDir)
	if err != nil {
		r.catalog = nil
		return r.catalog
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var catalog []SkillInfo
	for _, name := range names {
		skillDir := filepath.Join(r.skillsDir, name)
		skillMD := filepath.Join(skillDir, "SKILL.md")
		data, err := os.ReadFile(skillMD)
		if err != nil {
			continue
		}
		catalog = append(catalog, parseFrontmatter(name, skillDir, data))
	}
	r.catalog = catalog
	return r.catalog
}

// GetFullInstructions loads the complete SKILL.md body for skillName,
// deferred until activation (progressive disclosure).
func (r *SkillRegistry) GetFullInstructions(skillName string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(r.skillsDir, skillName, "SKILL.md"))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func parseFrontmatter(name, skillDir string, data []byte) SkillInfo {
	fallback := SkillInfo{Name: name, Path: skillDir}

	text := string(data)
	if !strings.HasPrefix(text, "---") {
		return fallback
	}
	parts := strings.SplitN(text, "---", 3)
	if len(parts) < 3 {
		return fallback
	}

	var fm skillFrontmatter
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return fallback
	}

	info := SkillInfo{Name: fm.Name, Description: fm.Description, Path: skillDir}
	if info.Name == "" {
		info.Name = name
	}
	return info
}

// SkillVenvError wraps a non-fatal dependency-install failure: the
// skill is still marked activated (§4.3 "build failure is surfaced but
// the skill is still marked activated").
type SkillVenvError struct {
	Skill string
	Cause error
}

func (e *SkillVenvError) Error() string {
	return fmt.Sprintf("dependency install failed for skill %q: %v", e.Skill, e.Cause)
}

func (e *SkillVenvError) Unwrap() error { return e.Cause }

// ActivateSkill copies skillName from the master skills/ tree into
// sessionID's writable skill directory, building a virtual environment
// in an ephemeral network-enabled build container if the skill carries
// a dependency manifest (§4.3 "Skill activation"). A venv build failure
// is returned as *SkillVenvError but the skill is activated regardless.
func (m *Manager) ActivateSkill(ctx context.Context, sessionID, skillName string) (string, error) {
	sc, err := m.EnsureSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	masterDir := filepath.Join(m.dataDir, "skills", skillName)
	if _, err := os.Stat(masterDir); err != nil {
		logging.Warn().Str("skill", skillName).Str("session", sessionID).Msg("sandbox: skill not found")
		return fmt.Sprintf("Skill %q not found.", skillName), nil
	}

	sessionSkillDir := filepath.Join(m.dataDir, "sessions", sessionID, "skills", skillName)
	if err := os.RemoveAll(sessionSkillDir); err != nil {
		return "", fmt.Errorf("sandbox: clear session skill dir: %w", err)
	}
	if err := copyTree(masterDir, sessionSkillDir, nil); err != nil {
		return "", fmt.Errorf("sandbox: copy skill into session: %w", err)
	}

	m.touch(sessionID)
	result := fmt.Sprintf("Skill %q activated at /workspace/skills/%s/", skillName, skillName)

	manifestPath := filepath.Join(sessionSkillDir, "pyproject.toml")
	if _, err := os.Stat(manifestPath); err != nil {
		m.markActivated(sc, skillName)
		logging.Info().Str("skill", skillName).Str("session", sessionID).Msg("sandbox: skill activated")
		return result, nil
	}

	if err := m.buildSkillVenv(ctx, sessionID, skillName, sessionSkillDir); err != nil {
		m.markActivated(sc, skillName)
		logging.Info().Str("skill", skillName).Str("session", sessionID).Msg("sandbox: skill activated with build errors")
		return "", &SkillVenvError{Skill: skillName, Cause: err}
	}

	m.markActivated(sc, skillName)
	logging.Info().Str("skill", skillName).Str("session", sessionID).Msg("sandbox: skill activated")
	return result + "\nVenv built successfully.", nil
}

func (m *Manager) markActivated(sc *types.SessionContainer, skillName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sc.ActivatedSkills {
		if s == skillName {
			return
		}
	}
	sc.ActivatedSkills = append(sc.ActivatedSkills, skillName)
	sc.LastUsed = time.Now().Unix()
}

// buildSkillVenv launches an ephemeral build container with network
// access, syncs dependencies with uv, and always removes the build
// container afterward (§4.3 "a build container ... is launched").
func (m *Manager) buildSkillVenv(ctx context.Context, sessionID, skillName, skillHostPath string) error {
	buildName := fmt.Sprintf("carapace-build-%s-%s", shortID(sessionID), skillName)
	logging.Info().Str("skill", skillName).Str("session", sessionID).Msg("sandbox: building skill venv")

	containerID, err := m.runtime.CreateContainer(ctx, runtime.CreateOpts{
		Name:        buildName,
		Image:       m.baseImage,
		NetworkName: m.networkName,
		Mounts:      map[string]string{skillHostPath: "/build"},
	})
	if err != nil {
		return fmt.Errorf("create build container: %w", err)
	}
	defer func() {
		if rmErr := m.runtime.RemoveContainer(ctx, containerID); rmErr != nil {
			logging.Warn().Err(rmErr).Str("skill", skillName).Msg("sandbox: build container cleanup failed")
		}
	}()

	result, err := m.runtime.Exec(ctx, containerID, []string{"uv", "sync", "--directory", "/build"}, runtime.ExecOpts{Timeout: skillBuildTimeout})
	if err != nil {
		return fmt.Errorf("exec uv sync: %w", err)
	}
	if result.ExitCode != 0 {
		out := result.Stdout + result.Stderr
		if len(out) > 500 {
			out = out[:500]
		}
		logging.Error().Str("skill", skillName).Int("exit_code", result.ExitCode).Msg("sandbox: venv build failed")
		return fmt.Errorf("exit %d: %s", result.ExitCode, out)
	}

	logging.Info().Str("skill", skillName).Msg("sandbox: venv built successfully")
	return nil
}

// SaveSkill persists a session's edited skill copy back to the master
// skills/ tree, excluding build artifacts (§4.3 "save_skill").
func (m *Manager) SaveSkill(sessionID, skillName string) (string, error) {
	sessionSkillDir := filepath.Join(m.dataDir, "sessions", sessionID, "skills", skillName)
	if _, err := os.Stat(sessionSkillDir); err != nil {
		return fmt.Sprintf("Skill %q not found in session.", skillName), nil
	}

	masterDir := filepath.Join(m.dataDir, "skills", skillName)
	if err := os.MkdirAll(filepath.Dir(masterDir), 0755); err != nil {
		return "", fmt.Errorf("sandbox: create skills dir: %w", err)
	}
	if err := os.RemoveAll(masterDir); err != nil {
		return "", fmt.Errorf("sandbox: clear master skill dir: %w", err)
	}

	exclude := map[string]struct{}{".venv": {}, "__pycache__": {}}
	if err := copyTree(sessionSkillDir, masterDir, exclude); err != nil {
		return "", fmt.Errorf("sandbox: copy skill to master: %w", err)
	}

	logging.Info().Str("skill", skillName).Str("session", sessionID).Msg("sandbox: saved skill to master")
	return fmt.Sprintf("Skill %q saved to data/skills/%s/", skillName, skillName), nil
}

// copyTree recursively copies src into dst, skipping any path component
// named in exclude.
func copyTree(src, dst string, exclude map[string]struct{}) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if _, skip := exclude[info.Name()]; skip {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

package config

import (
	"embed"
	"os"
	"path/filepath"

	"github.com/carapace-run/carapace/internal/logging"
)

//go:embed assets
var defaultAssets embed.FS

type seedFile struct {
	asset  string
	target string
}

var criticalFiles = []seedFile{
	{"assets/SOUL.md", "SOUL.md"},
	{"assets/USER.md", "USER.md"},
	{"assets/config.yaml", "config.yaml"},
	{"assets/rules.yaml", "rules.yaml"},
	{"assets/memory/CORE.md", "memory/CORE.md"},
}

var seedSkills = []seedFile{
	{"assets/skills/example/SKILL.md", "skills/example/SKILL.md"},
	{"assets/skills/example/scripts/hello.py", "skills/example/scripts/hello.py"},
	{"assets/skills/create-skill/SKILL.md", "skills/create-skill/SKILL.md"},
}

// EnsureDataDir seeds a fresh data directory with default workspace
// files and an example skill pair, grounded on
// src/carapace/bootstrap.py's ensure_data_dir. Files that already
// exist are left untouched; it returns the list of paths it created.
func EnsureDataDir(paths *Paths) ([]string, error) {
	var created []string
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}

	for _, f := range criticalFiles {
		wrote, err := copyAssetIfMissing(paths, f)
		if err != nil {
			return created, err
		}
		if wrote {
			created = append(created, f.target)
		}
	}

	if entries, err := os.ReadDir(paths.SkillsDir()); err == nil && len(entries) == 0 {
		for _, f := range seedSkills {
			wrote, err := copyAssetIfMissing(paths, f)
			if err != nil {
				return created, err
			}
			if wrote {
				created = append(created, f.target)
			}
		}
	}

	if len(created) > 0 {
		logging.Info().Strs("created", created).Msg("seeded default data directory")
	}
	return created, nil
}

func copyAssetIfMissing(paths *Paths, f seedFile) (bool, error) {
	target := filepath.Join(paths.DataDir, f.target)
	if _, err := os.Stat(target); err == nil {
		return false, nil
	}
	data, err := defaultAssets.ReadFile(f.asset)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return false, err
	}
	return true, nil
}

package credentials

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ContainerHome is the agent user's home directory inside the container.
const ContainerHome = "/home/agent"

// Profile describes where an agent keeps its credentials on the host and in
// the container, and which environment variables carry API keys.
type Profile struct {
	// Name identifies the profile and names its persistent state directory.
	Name string
	// CredentialDir is relative to the home directory (e.g. ".claude").
	CredentialDir string
	// SessionFile lives inside CredentialDir and holds the OAuth session.
	SessionFile string
	// CompanionFile is a sibling of CredentialDir holding session state. When
	// DirOverrideEnv relocates the directory the file moves inside it.
	CompanionFile string
	// DirOverrideEnv relocates the host credential directory when set.
	DirOverrideEnv string
	PrimaryEnv     string
	AlternateEnv   string
}

var profiles = map[string]Profile{
	"claude": {
		Name:           "claude",
		CredentialDir:  ".claude",
		SessionFile:    ".credentials.json",
		CompanionFile:  ".claude.json",
		DirOverrideEnv: "CLAUDE_CONFIG_DIR",
		PrimaryEnv:     "ANTHROPIC_API_KEY",
		AlternateEnv:   "CLAUDE_CODE_OAUTH_TOKEN",
	},
	"codex": {
		Name:          "codex",
		CredentialDir: ".codex",
		SessionFile:   "auth.json",
		PrimaryEnv:    "OPENAI_API_KEY",
	},
}

// variantProfiles maps launchable variants onto credential profiles. The
// interactive shell carries the primary agent's credentials.
var variantProfiles = map[string]string{
	"claude": "claude",
	"codex":  "codex",
	"shell":  "claude",
}

// ProfileFor returns the credential profile used by the given agent variant.
func ProfileFor(variant string) (Profile, error) {
	name, ok := variantProfiles[variant]
	if !ok {
		return Profile{}, fmt.Errorf("unsupported agent %q", variant)
	}
	return profiles[name], nil
}

// Variants returns the supported agent variants in sorted order.
func Variants() []string {
	out := make([]string, 0, len(variantProfiles))
	for v := range variantProfiles {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ContainerCredentialDir is the in-container path of the credential directory.
func (p Profile) ContainerCredentialDir() string {
	return path.Join(ContainerHome, p.CredentialDir)
}

// ContainerCompanionFile is the in-container path of the companion file, or
// empty when the profile has none.
func (p Profile) ContainerCompanionFile() string {
	if p.CompanionFile == "" {
		return ""
	}
	return path.Join(ContainerHome, p.CompanionFile)
}

// EnvKeys lists the credential environment variables for the profile.
func (p Profile) EnvKeys() []string {
	keys := []string{p.PrimaryEnv}
	if p.AlternateEnv != "" {
		keys = append(keys, p.AlternateEnv)
	}
	return keys
}

// HostCredentialDir resolves the host credential directory, honoring the
// profile's override variable the same way the agent itself does.
func (p Profile) HostCredentialDir(home string, lookup func(string) (string, bool)) string {
	if p.DirOverrideEnv != "" && lookup != nil {
		if raw, ok := lookup(p.DirOverrideEnv); ok && strings.TrimSpace(raw) != "" {
			return expandHomeRelative(strings.TrimSpace(raw), home)
		}
	}
	return filepath.Join(home, p.CredentialDir)
}

// HostCompanionFile returns the host path of the companion file, or empty
// when the profile has none. A relocated credential directory keeps the file
// inside itself rather than next to it.
func (p Profile) HostCompanionFile(home string, lookup func(string) (string, bool)) string {
	if p.CompanionFile == "" {
		return ""
	}
	if p.DirOverrideEnv != "" && lookup != nil {
		if raw, ok := lookup(p.DirOverrideEnv); ok && strings.TrimSpace(raw) != "" {
			return filepath.Join(expandHomeRelative(strings.TrimSpace(raw), home), p.CompanionFile)
		}
	}
	return filepath.Join(home, p.CompanionFile)
}

func expandHomeRelative(dir, home string) string {
	switch {
	case dir == "~":
		dir = home
	case strings.HasPrefix(dir, "~/"), strings.HasPrefix(dir, "~"+string(os.PathSeparator)):
		dir = filepath.Join(home, dir[2:])
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(home, dir)
	}
	return filepath.Clean(dir)
}

package configstore

import (
	"fmt"
	"maps"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strings"
)

// Settings is one layer of configuration: the global [berth] table or a
// single [projects."<path>"] table. Empty fields are unset.
type Settings struct {
	Agent        string
	Namespace    string
	Image        string
	Network      string
	Isolation    string
	Volumes      []string
	EnvVars      map[string]string
	ExtraDomains []string
}

// Config represents the persisted berth configuration.
type Config struct {
	Global   Settings
	Projects map[string]Settings
}

// Keys accepted by Set and Unset. Environment variables use "env.<NAME>".
const (
	KeyAgent     = "agent"
	KeyNamespace = "namespace"
	KeyImage     = "image"
	KeyNetwork   = "network"
	KeyIsolation = "isolation"
	envKeyPrefix = "env."
)

var (
	networkModes   = []string{"open", "allowlist", "none"}
	isolationModes = []string{"shared", "namespace"}
)

// New returns a Config with initialized maps. Callers that mutate the
// configuration should always start from this constructor to avoid nil maps.
func New() Config {
	return Config{
		Global:   Settings{EnvVars: make(map[string]string)},
		Projects: make(map[string]Settings),
	}
}

// Clone produces a deep copy suitable for mutation without affecting the
// original instance.
func (c Config) Clone() Config {
	out := New()
	out.Global = c.Global.clone()
	for key, s := range c.Projects {
		out.Projects[key] = s.clone()
	}
	return out
}

func (s Settings) clone() Settings {
	out := s
	out.Volumes = slices.Clone(s.Volumes)
	out.ExtraDomains = slices.Clone(s.ExtraDomains)
	out.EnvVars = make(map[string]string, len(s.EnvVars))
	maps.Copy(out.EnvVars, s.EnvVars)
	return out
}

func (s Settings) empty() bool {
	return s.Agent == "" && s.Namespace == "" && s.Image == "" && s.Network == "" &&
		s.Isolation == "" && len(s.Volumes) == 0 && len(s.EnvVars) == 0 && len(s.ExtraDomains) == 0
}

func (c *Config) ensureInitialized() {
	if c.Global.EnvVars == nil {
		c.Global.EnvVars = make(map[string]string)
	}
	if c.Projects == nil {
		c.Projects = make(map[string]Settings)
	}
	for key, s := range c.Projects {
		if s.EnvVars == nil {
			s.EnvVars = make(map[string]string)
			c.Projects[key] = s
		}
	}
}

// Project returns the settings stored for projectPath, if any.
func (c Config) Project(projectPath string) (Settings, bool, error) {
	key, err := normalizeProjectKey(projectPath)
	if err != nil {
		return Settings{}, false, err
	}
	s, ok := c.Projects[key]
	return s, ok, nil
}

// Set assigns a value globally, or for projectPath when it is non-empty.
func (c *Config) Set(projectPath, key, value string) error {
	return c.update(projectPath, func(s *Settings) error {
		return s.set(key, value)
	})
}

// Unset clears a value globally, or for projectPath when it is non-empty.
func (c *Config) Unset(projectPath, key string) error {
	return c.update(projectPath, func(s *Settings) error {
		return s.unset(key)
	})
}

func (c *Config) update(projectPath string, fn func(*Settings) error) error {
	c.ensureInitialized()
	if strings.TrimSpace(projectPath) == "" {
		return fn(&c.Global)
	}
	key, err := normalizeProjectKey(projectPath)
	if err != nil {
		return err
	}
	s := c.Projects[key]
	if s.EnvVars == nil {
		s.EnvVars = make(map[string]string)
	}
	if err := fn(&s); err != nil {
		return err
	}
	if s.empty() {
		delete(c.Projects, key)
		return nil
	}
	c.Projects[key] = s
	return nil
}

func (s *Settings) set(key, value string) error {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if name, ok := strings.CutPrefix(key, envKeyPrefix); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("environment variable key must not be empty")
		}
		s.EnvVars[name] = value
		return nil
	}
	if value == "" {
		return fmt.Errorf("%s must not be empty; use unset to clear it", key)
	}
	switch key {
	case KeyAgent:
		s.Agent = value
	case KeyNamespace:
		s.Namespace = value
	case KeyImage:
		s.Image = value
	case KeyNetwork:
		if !slices.Contains(networkModes, value) {
			return fmt.Errorf("network must be one of %s", strings.Join(networkModes, ", "))
		}
		s.Network = value
	case KeyIsolation:
		if !slices.Contains(isolationModes, value) {
			return fmt.Errorf("isolation must be one of %s", strings.Join(isolationModes, ", "))
		}
		s.Isolation = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func (s *Settings) unset(key string) error {
	key = strings.TrimSpace(key)
	if name, ok := strings.CutPrefix(key, envKeyPrefix); ok {
		delete(s.EnvVars, strings.TrimSpace(name))
		return nil
	}
	switch key {
	case KeyAgent:
		s.Agent = ""
	case KeyNamespace:
		s.Namespace = ""
	case KeyImage:
		s.Image = ""
	case KeyNetwork:
		s.Network = ""
	case KeyIsolation:
		s.Isolation = ""
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// normalizeProjectKey resolves the absolute path for use as a project key.
func normalizeProjectKey(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("project path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("abs project path: %w", err)
	}
	normalized, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// If the path does not exist yet, fall back to cleaned absolute path.
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}
	return filepath.Clean(normalized), nil
}

func resolveConfigProjectKey(spec string) (string, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return "", fmt.Errorf("project key must not be empty")
	}
	expanded, err := expandLeadingTilde(os.ExpandEnv(trimmed))
	if err != nil {
		return "", err
	}
	return normalizeProjectKey(expanded)
}

// ExpandPath expands environment references and a leading ~ or ~user.
func ExpandPath(path string) (string, error) {
	return expandLeadingTilde(expandConfigValue(strings.TrimSpace(path)))
}

func expandLeadingTilde(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	if len(path) == 1 || path[1] == '/' {
		home, err := ResolveHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimLeft(path[1:], "/")), nil
	}

	username, rest, _ := strings.Cut(path[1:], "/")
	account, err := user.Lookup(username)
	if err != nil {
		return "", fmt.Errorf("lookup home for %s: %w", username, err)
	}
	return filepath.Join(account.HomeDir, rest), nil
}

package configstore

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ParseError represents a TOML decode failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse config %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load reads the persisted config from disk. Missing files result in an empty
// configuration with defaults.
func Load() (Config, error) {
	_, file, err := GetConfigPath()
	if err != nil {
		return New(), err
	}
	return LoadFile(file)
}

// LoadFile reads the config at path. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := decodeConfig(data, path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeConfig(data []byte, path string, cfg *Config) error {
	cfg.ensureInitialized()

	var raw map[string]any
	err := toml.Unmarshal(data, &raw)
	if err != nil && needsDollarEscapeFix(err) {
		if fixed, changed := sanitizeDollarEscapes(data); changed {
			err = toml.Unmarshal(fixed, &raw)
		}
	}
	if err != nil {
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			return &ParseError{Path: path, Err: decodeErr}
		}
		return err
	}

	if table, ok := raw["berth"]; ok {
		tbl, ok := table.(map[string]any)
		if !ok {
			return fmt.Errorf("parse berth: expected table")
		}
		if err := decodeSettings("berth", tbl, &cfg.Global); err != nil {
			return err
		}
	}
	if table, ok := raw["firewall"]; ok {
		if err := decodeFirewall("firewall", table, &cfg.Global); err != nil {
			return err
		}
	}

	if projects, ok := raw["projects"].(map[string]any); ok {
		for projectKey, rawValue := range projects {
			projectTable, ok := rawValue.(map[string]any)
			if !ok {
				return fmt.Errorf("parse projects.%s: expected table", projectKey)
			}
			normalizedKey, err := resolveConfigProjectKey(projectKey)
			if err != nil {
				return fmt.Errorf("parse projects.%s: %w", projectKey, err)
			}
			settings := Settings{EnvVars: make(map[string]string)}
			if err := decodeSettings("projects."+projectKey, projectTable, &settings); err != nil {
				return err
			}
			if fw, ok := projectTable["firewall"]; ok {
				if err := decodeFirewall("projects."+projectKey+".firewall", fw, &settings); err != nil {
					return err
				}
			}
			if !settings.empty() {
				cfg.Projects[normalizedKey] = settings
			}
		}
	}

	cfg.ensureInitialized()
	return nil
}

func decodeSettings(prefix string, table map[string]any, s *Settings) error {
	if s.EnvVars == nil {
		s.EnvVars = make(map[string]string)
	}
	for key, value := range table {
		field := prefix + "." + key
		switch key {
		case KeyAgent, KeyNamespace, KeyImage, KeyNetwork, KeyIsolation:
			str, err := toString(value)
			if err != nil {
				return fmt.Errorf("parse %s: %w", field, err)
			}
			if strings.TrimSpace(str) == "" {
				continue
			}
			if err := s.set(key, str); err != nil {
				return fmt.Errorf("parse %s: %w", field, err)
			}
		case "volumes":
			list, err := toStringList(value)
			if err != nil {
				return fmt.Errorf("parse %s: %w", field, err)
			}
			for i, spec := range list {
				trimmed := strings.TrimSpace(spec)
				if trimmed == "" {
					return fmt.Errorf("parse %s[%d]: volume specification cannot be empty", field, i)
				}
				s.Volumes = append(s.Volumes, expandConfigValue(trimmed))
			}
		case "envvars":
			envTable, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("parse %s: expected table", field)
			}
			for envKey, rawVal := range envTable {
				str, err := toString(rawVal)
				if err != nil {
					return fmt.Errorf("parse %s.%s: %w", field, envKey, err)
				}
				trimmedKey := strings.TrimSpace(envKey)
				if trimmedKey == "" {
					continue
				}
				s.EnvVars[trimmedKey] = expandConfigValue(str)
			}
		case "firewall":
			// Project tables carry their own [firewall] subtable; the caller decodes it.
		default:
			if m, ok := value.(map[string]any); ok && len(m) == 0 {
				// Ignore empty tables so users can comment out sections without errors.
				continue
			}
			return fmt.Errorf("parse %s: unknown key", field)
		}
	}
	return nil
}

func decodeFirewall(prefix string, value any, s *Settings) error {
	table, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("parse %s: expected table", prefix)
	}
	for key, v := range table {
		if key != "extra_domains" {
			return fmt.Errorf("parse %s.%s: unknown key", prefix, key)
		}
		list, err := toStringList(v)
		if err != nil {
			return fmt.Errorf("parse %s.%s: %w", prefix, key, err)
		}
		for _, d := range list {
			d = strings.ToLower(strings.TrimSpace(d))
			if d != "" && !slices.Contains(s.ExtraDomains, d) {
				s.ExtraDomains = append(s.ExtraDomains, d)
			}
		}
	}
	return nil
}

// Save atomically writes the configuration to disk.
func Save(cfg Config) error {
	dir, file, err := GetConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(dir, file, cfg)
}

// SaveFile atomically writes cfg to file, creating dir if needed.
func SaveFile(dir, file string, cfg Config) error {
	cfg.ensureInitialized()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleaned := false
	defer func() {
		if !cleaned {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	encoder := toml.NewEncoder(tmp)
	if err := encoder.Encode(buildPersisted(cfg)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpName, file); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}
	cleaned = true
	return nil
}

type persistedFirewall struct {
	ExtraDomains []string `toml:"extra_domains,omitempty"`
}

type persistedSettings struct {
	Agent     string             `toml:"agent,omitempty"`
	Namespace string             `toml:"namespace,omitempty"`
	Image     string             `toml:"image,omitempty"`
	Network   string             `toml:"network,omitempty"`
	Isolation string             `toml:"isolation,omitempty"`
	Volumes   []string           `toml:"volumes,omitempty"`
	EnvVars   map[string]string  `toml:"envvars,omitempty"`
	Firewall  *persistedFirewall `toml:"firewall,omitempty"`
}

type persistedConfig struct {
	Berth    *persistedSettings           `toml:"berth,omitempty"`
	Firewall *persistedFirewall           `toml:"firewall,omitempty"`
	Projects map[string]persistedSettings `toml:"projects,omitempty"`
}

func buildPersisted(cfg Config) persistedConfig {
	var result persistedConfig

	global := cfg.Global
	global.ExtraDomains = nil
	if !global.empty() {
		persisted := persistSettings(global)
		result.Berth = &persisted
	}
	if len(cfg.Global.ExtraDomains) > 0 {
		result.Firewall = &persistedFirewall{ExtraDomains: slices.Clone(cfg.Global.ExtraDomains)}
	}

	if len(cfg.Projects) > 0 {
		result.Projects = make(map[string]persistedSettings, len(cfg.Projects))
		for key, s := range cfg.Projects {
			if s.empty() {
				continue
			}
			result.Projects[key] = persistSettings(s)
		}
	}
	return result
}

func persistSettings(s Settings) persistedSettings {
	out := persistedSettings{
		Agent:     s.Agent,
		Namespace: s.Namespace,
		Image:     s.Image,
		Network:   s.Network,
		Isolation: s.Isolation,
		Volumes:   slices.Clone(s.Volumes),
	}
	if len(s.EnvVars) > 0 {
		out.EnvVars = make(map[string]string, len(s.EnvVars))
		for key, value := range s.EnvVars {
			if k := strings.TrimSpace(key); k != "" {
				out.EnvVars[k] = value
			}
		}
	}
	if len(s.ExtraDomains) > 0 {
		out.Firewall = &persistedFirewall{ExtraDomains: slices.Clone(s.ExtraDomains)}
	}
	return out
}

func toString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("expected string, got %T", value)
	}
}

func toStringList(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, err := toString(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list, got %T", value)
	}
}

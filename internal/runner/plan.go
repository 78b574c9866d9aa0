package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/strongdm/berth/internal/allowlist"
	"github.com/strongdm/berth/internal/configstore"
	"github.com/strongdm/berth/internal/credentials"
	"github.com/strongdm/berth/internal/homeboot"
	"github.com/strongdm/berth/internal/mounts"
)

const (
	// DefaultImage is used when neither a flag, $BERTH_IMAGE nor the config
	// names an image.
	DefaultImage = "ghcr.io/strongdm/berth:latest"
	ImageEnv     = "BERTH_IMAGE"
	// EntryBinary is the in-image entrypoint that bootstraps the home
	// directory and execs the agent.
	EntryBinary = "/usr/local/bin/berth-entry"

	SessionIDEnv = "BERTH_SESSION_ID"
	NamespaceEnv = "BERTH_NAMESPACE"
	FirewallEnv  = "BERTH_FIREWALL"

	defaultAgent = "claude"
)

// NetworkMode is the container's network posture.
type NetworkMode string

const (
	NetworkOpen      NetworkMode = "open"
	NetworkAllowlist NetworkMode = "allowlist"
	NetworkNone      NetworkMode = "none"
)

// ParseNetwork accepts open, allowlist and none. Empty means open.
func ParseNetwork(raw string) (NetworkMode, error) {
	switch NetworkMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", NetworkOpen:
		return NetworkOpen, nil
	case NetworkAllowlist, "firewall":
		return NetworkAllowlist, nil
	case NetworkNone, "isolated":
		return NetworkNone, nil
	default:
		return "", fmt.Errorf("unknown network mode %q (want open, allowlist or none)", raw)
	}
}

// entryCommands maps agent variants to the command berth-entry execs.
var entryCommands = map[string][]string{
	"claude": {"claude"},
	"codex":  {"codex"},
	"shell":  {"bash", "-l"},
}

// Target identifies the container a launch refers to. It is computed before
// any container runtime call so a resume can short-circuit plan building.
type Target struct {
	Identity   string      `json:"identity" yaml:"identity"`
	Namespace  string      `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Project    string      `json:"project" yaml:"project"`
	ProjectDir string      `json:"project_dir" yaml:"project_dir"`
	Agent      string      `json:"agent" yaml:"agent"`
	Isolation  string      `json:"isolation" yaml:"isolation"`
	Network    NetworkMode `json:"network" yaml:"network"`
	Image      string      `json:"image" yaml:"image"`

	profile   credentials.Profile
	isolation credentials.Isolation
	settings  configstore.Effective
	sources   map[string]string
}

// Source reports which layer chose a target field (flag, env, project,
// global or default).
func (t Target) Source(field string) string {
	if s, ok := t.sources[field]; ok {
		return s
	}
	return "default"
}

// Security is the always-on hardening applied to the container.
type Security struct {
	CapDrop     []string `json:"cap_drop" yaml:"cap_drop"`
	CapAdd      []string `json:"cap_add" yaml:"cap_add"`
	SecurityOpt []string `json:"security_opt" yaml:"security_opt"`
	// Network is the docker --network value; empty keeps the default bridge.
	Network string `json:"network,omitempty" yaml:"network,omitempty"`
	// Sysctls are namespaced kernel settings passed as --sysctl.
	Sysctls []string `json:"sysctls,omitempty" yaml:"sysctls,omitempty"`
}

// Plan is a fully resolved launch.
type Plan struct {
	Target `yaml:",inline"`

	SessionID string                 `json:"session_id" yaml:"session_id"`
	Workdir   string                 `json:"workdir" yaml:"workdir"`
	Mounts    []mounts.Spec          `json:"mounts" yaml:"mounts"`
	Dropped   []mounts.Spec          `json:"dropped,omitempty" yaml:"dropped,omitempty"`
	Decisions []credentials.Decision `json:"credential_decisions" yaml:"credential_decisions"`
	Security  Security               `json:"security" yaml:"security"`
	// Env holds docker -e specs: KEY=VALUE, or a bare KEY passed through
	// from berth's own environment.
	Env        []string          `json:"env" yaml:"env"`
	EnvSources map[string]string `json:"env_sources,omitempty" yaml:"env_sources,omitempty"`
	Command    []string          `json:"command" yaml:"command"`
}

// Resolver turns launch options into targets and plans. It only reads the
// host; it never talks to the container runtime.
type Resolver struct {
	Config   configstore.Config
	DataRoot string
	Host     credentials.HostEnv
	// NewSessionID defaults to a random UUID.
	NewSessionID func() string
}

func (r *Resolver) lookupEnv(key string) (string, bool) {
	if r.Host.LookupEnv != nil {
		return r.Host.LookupEnv(key)
	}
	return os.LookupEnv(key)
}

// Identify validates opts and computes the container identity. Every
// configuration error surfaces here.
func (r *Resolver) Identify(opts Options) (Target, error) {
	dir, err := resolveProjectDir(opts.Project)
	if err != nil {
		return Target{}, err
	}
	eff, err := r.Config.Effective(dir)
	if err != nil {
		return Target{}, configErrorf("config", "%w", err)
	}

	t := Target{
		ProjectDir: dir,
		Project:    projectName(dir),
		settings:   eff,
		sources:    make(map[string]string),
	}

	t.Agent = t.choose("agent", opts.Agent, "", eff.Agent, defaultAgent)
	profile, err := credentials.ProfileFor(t.Agent)
	if err != nil {
		return Target{}, configErrorf("agent", "unsupported agent %q (want one of %s)", t.Agent, strings.Join(credentials.Variants(), ", "))
	}
	t.profile = profile

	t.Namespace = t.choose("namespace", strings.TrimSpace(opts.Namespace), "", eff.Namespace, "")
	if err := credentials.ValidateNamespace(t.Namespace); err != nil {
		return Target{}, &ConfigError{Field: "namespace", Err: err}
	}

	isoRaw := ""
	if opts.Isolate {
		isoRaw = credentials.PerNamespace.String()
	}
	iso, err := credentials.ParseIsolation(t.choose("isolation", isoRaw, "", eff.Isolation, credentials.Shared.String()))
	if err != nil {
		return Target{}, &ConfigError{Field: "isolation", Err: err}
	}
	if iso == credentials.PerNamespace && t.Namespace == "" {
		return Target{}, configErrorf("namespace", "namespace isolation requires --namespace")
	}
	t.isolation = iso
	t.Isolation = iso.String()

	if opts.NoNetwork && opts.Firewall {
		return Target{}, configErrorf("network", "--no-network and --firewall are mutually exclusive")
	}
	netRaw := ""
	switch {
	case opts.NoNetwork:
		netRaw = string(NetworkNone)
	case opts.Firewall:
		netRaw = string(NetworkAllowlist)
	}
	network, err := ParseNetwork(t.choose("network", netRaw, "", eff.Network, string(NetworkOpen)))
	if err != nil {
		return Target{}, &ConfigError{Field: "network", Err: err}
	}
	t.Network = network

	envImage, _ := r.lookupEnv(ImageEnv)
	t.Image = t.choose("image", strings.TrimSpace(opts.Image), strings.TrimSpace(envImage), eff.Image, DefaultImage)

	t.Identity = containerIdentity(t.Namespace, t.Project)
	return t, nil
}

// choose applies flag > env > config > fallback and records the winner.
func (t *Target) choose(field, flag, env string, cfg configstore.Value, fallback string) string {
	switch {
	case flag != "":
		t.sources[field] = "flag"
		return flag
	case env != "":
		t.sources[field] = "env"
		return env
	case cfg.Set():
		t.sources[field] = string(cfg.Scope)
		return cfg.Value
	default:
		return fallback
	}
}

// Resolve validates opts and builds the complete plan.
func (r *Resolver) Resolve(opts Options) (*Plan, error) {
	t, err := r.Identify(opts)
	if err != nil {
		return nil, err
	}
	return r.Build(t, opts)
}

// Build assembles mounts, environment, security and command for t.
func (r *Resolver) Build(t Target, opts Options) (*Plan, error) {
	p := &Plan{
		Target:  t,
		Workdir: t.ProjectDir,
		Command: append(append([]string{}, entryCommands[t.Agent]...), opts.Args...),
	}
	if r.NewSessionID != nil {
		p.SessionID = r.NewSessionID()
	} else {
		p.SessionID = uuid.NewString()
	}

	override := ""
	if strings.TrimSpace(opts.Credentials) != "" {
		abs, err := absHostPath(opts.Credentials, t.ProjectDir)
		if err != nil {
			return nil, configErrorf("credentials", "%w", err)
		}
		override = abs
	}
	inputs, err := credentials.Probe(credentials.Request{
		Variant:   t.Agent,
		Isolation: t.isolation,
		Namespace: t.Namespace,
		DataRoot:  r.DataRoot,
		Override:  override,
	}, r.Host)
	if err != nil {
		return nil, configErrorf("agent", "%w", err)
	}
	res := credentials.Resolve(inputs)
	p.Decisions = res.Decisions

	specs := []mounts.Spec{{
		Label:     "workspace",
		Host:      t.ProjectDir,
		Container: t.ProjectDir,
		Mode:      mounts.ReadWrite,
		Rank:      mounts.RankWorkspace,
		Kind:      mounts.KindDirectory,
	}}
	specs = append(specs, res.Mounts...)
	if !opts.Ephemeral {
		specs = append(specs, mounts.Spec{
			Label:     "home",
			Host:      credentials.PersistentDir(r.DataRoot, t.isolation, t.Namespace, "home"),
			Container: credentials.ContainerHome,
			Mode:      mounts.ReadWrite,
			Rank:      mounts.RankHome,
			Kind:      mounts.KindDirectory,
			Create:    true,
		})
	}

	extras, err := extraMounts(opts, t)
	if err != nil {
		return nil, err
	}
	specs = append(specs, extras...)
	p.Mounts, p.Dropped = mounts.Finalize(specs)

	p.Security = securityFor(t.Network)

	layers := r.envLayers(p, opts)
	p.Env = configstore.MergeEnvLayers(layers...)
	p.EnvSources = configstore.EnvProvenance(layers...)
	return p, nil
}

var baseCapabilities = []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETGID", "SETUID"}

func securityFor(network NetworkMode) Security {
	sec := Security{
		CapDrop:     []string{"ALL"},
		CapAdd:      append([]string{}, baseCapabilities...),
		SecurityOpt: []string{"no-new-privileges"},
	}
	switch network {
	case NetworkAllowlist:
		sec.CapAdd = append(sec.CapAdd, "NET_ADMIN", "NET_RAW")
		// The allowlist is IPv4; the in-container firewall also rejects IPv6.
		sec.Sysctls = []string{
			"net.ipv6.conf.all.disable_ipv6=1",
			"net.ipv6.conf.default.disable_ipv6=1",
		}
	case NetworkNone:
		sec.Network = "none"
	}
	return sec
}

func (r *Resolver) envLayers(p *Plan, opts Options) []configstore.EnvLayer {
	passthrough := configstore.EnvLayer{Name: "credential"}
	for _, key := range p.profile.EnvKeys() {
		if value, ok := r.lookupEnv(key); ok && strings.TrimSpace(value) != "" {
			passthrough.Add(key)
		}
	}

	allow := configstore.EnvLayer{Name: "firewall"}
	if p.Network == NetworkAllowlist && len(p.settings.ExtraDomains) > 0 {
		allow.Add(allowlist.ExtraEnv + "=" + strings.Join(p.settings.ExtraDomains, ","))
	}

	cli := configstore.EnvLayer{Name: "cli"}
	for _, spec := range opts.Env {
		if strings.TrimSpace(spec) != "" {
			cli.Add(strings.TrimSpace(spec))
		}
	}

	berth := configstore.EnvLayer{Name: "berth"}
	berth.Add(SessionIDEnv + "=" + p.SessionID)
	if p.Namespace != "" {
		berth.Add(NamespaceEnv + "=" + p.Namespace)
	}
	if p.Network == NetworkAllowlist {
		berth.Add(FirewallEnv + "=1")
	}
	if skip := homeMountTargets(p.Mounts); len(skip) > 0 {
		berth.Add(homeboot.SkipEnv + "=" + strings.Join(skip, string(filepath.ListSeparator)))
	}

	layers := []configstore.EnvLayer{passthrough, allow}
	layers = append(layers, p.settings.EnvLayers()...)
	return append(layers, cli, berth)
}

// homeMountTargets returns the home-relative targets of mounts nested in the
// agent home. The home bootstrap must not copy into them.
func homeMountTargets(ms []mounts.Spec) []string {
	var out []string
	prefix := credentials.ContainerHome + "/"
	for _, m := range ms {
		c := filepath.Clean(m.Container)
		if strings.HasPrefix(c, prefix) {
			out = append(out, strings.TrimPrefix(c, prefix))
		}
	}
	return out
}

func extraMounts(opts Options, t Target) ([]mounts.Spec, error) {
	var out []mounts.Spec
	add := func(field, raw string, rank mounts.Rank, force mounts.Mode, label string) error {
		host, container, mode, err := mounts.ParseBind(raw)
		if err != nil {
			return &ConfigError{Field: field, Err: err}
		}
		if force != "" {
			mode = force
		}
		abs, err := absHostPath(host, t.ProjectDir)
		if err != nil {
			return configErrorf(field, "%w", err)
		}
		out = append(out, mounts.Spec{
			Label:     label,
			Host:      abs,
			Container: container,
			Mode:      mode,
			Rank:      rank,
		})
		return nil
	}

	for _, raw := range opts.ReadOnly {
		if err := add("ro", raw, mounts.RankCLIExtra, mounts.ReadOnly, "cli"); err != nil {
			return nil, err
		}
	}
	for _, raw := range opts.ReadWrite {
		if err := add("rw", raw, mounts.RankCLIExtra, mounts.ReadWrite, "cli"); err != nil {
			return nil, err
		}
	}
	for _, raw := range opts.Volumes {
		if err := add("volume", raw, mounts.RankCLIExtra, "", "cli"); err != nil {
			return nil, err
		}
	}
	for _, raw := range t.settings.ProjectVolumes {
		if err := add("config volumes", raw, mounts.RankConfigExtra, "", "config:project"); err != nil {
			return nil, err
		}
	}
	for _, raw := range t.settings.GlobalVolumes {
		if err := add("config volumes", raw, mounts.RankConfigExtra, "", "config:global"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// absHostPath expands ~ and resolves relative paths against base.
func absHostPath(raw, base string) (string, error) {
	expanded, err := configstore.ExpandPath(raw)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(base, expanded)
	}
	return filepath.Clean(expanded), nil
}

func resolveProjectDir(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "."
	}
	expanded, err := configstore.ExpandPath(raw)
	if err != nil {
		return "", configErrorf("project", "%w", err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", configErrorf("project", "resolve %s: %w", raw, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", configErrorf("project", "%s does not exist", raw)
		}
		return "", configErrorf("project", "resolve %s: %w", raw, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", configErrorf("project", "stat %s: %w", raw, err)
	}
	if !info.IsDir() {
		return "", configErrorf("project", "%s is not a directory", raw)
	}
	return resolved, nil
}

func projectName(dir string) string {
	name := sanitizeProjectName(filepath.Base(dir))
	if name == "" {
		return "workspace"
	}
	return name
}

// containerIdentity is stable for a (namespace, project) pair.
func containerIdentity(namespace, project string) string {
	if namespace == "" {
		return "berth-" + project
	}
	return "berth-" + namespace + "." + project
}

func sanitizeProjectName(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}

	var (
		builder    strings.Builder
		lastHyphen bool
	)
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastHyphen = false
		default:
			if builder.Len() == 0 || lastHyphen {
				continue
			}
			builder.WriteRune('-')
			lastHyphen = true
		}
	}

	result := strings.Trim(builder.String(), "-")
	if len(result) > 63 {
		result = strings.Trim(result[:63], "-")
	}
	return result
}

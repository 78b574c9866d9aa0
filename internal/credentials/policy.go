// Package credentials decides which host credential paths are exposed to an
// agent container and with what access mode.
//
// The credential directory is resolved by a strict precedence chain: an
// explicit override, then an auto-detected host session, then a persistent
// state directory owned by berth. VCS-hosting configuration is layered on top
// read-only and never participates in the chain.
package credentials

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/strongdm/berth/internal/mounts"
)

// Isolation selects how persistent state is partitioned on the host.
type Isolation int

const (
	// Shared keeps one state tree for every launch.
	Shared Isolation = iota
	// PerNamespace gives every namespace its own state tree.
	PerNamespace
)

func (i Isolation) String() string {
	if i == PerNamespace {
		return "namespace"
	}
	return "shared"
}

// ParseIsolation accepts "shared" (or empty) and "namespace".
func ParseIsolation(raw string) (Isolation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "shared":
		return Shared, nil
	case "namespace", "per-namespace", "isolated":
		return PerNamespace, nil
	default:
		return Shared, fmt.Errorf("unknown isolation mode %q (want shared or namespace)", raw)
	}
}

var namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ValidateNamespace rejects namespaces that could alias another namespace's
// directory on disk (case folding, path separators, dots).
func ValidateNamespace(ns string) error {
	if ns == "" {
		return nil
	}
	if !namespacePattern.MatchString(ns) {
		return fmt.Errorf("invalid namespace %q: use lowercase letters, digits, '-' or '_' (max 63 chars)", ns)
	}
	return nil
}

// PersistentDir returns the host directory holding leaf for the given
// isolation mode. Namespaces must already be validated.
func PersistentDir(dataRoot string, iso Isolation, ns, leaf string) string {
	if iso == PerNamespace {
		return filepath.Join(dataRoot, "namespaces", ns, leaf)
	}
	return filepath.Join(dataRoot, "shared", leaf)
}

// SourceKind identifies which precedence rule supplied the credential directory.
type SourceKind string

const (
	SourceOverride       SourceKind = "explicit-override"
	SourceSession        SourceKind = "auto-detected-session"
	SourceNamespaceState SourceKind = "isolated-namespace-default"
	SourceSharedState    SourceKind = "shared-default"
	SourceNone           SourceKind = "none"
)

// Source records where the credential directory came from.
type Source struct {
	Kind    SourceKind
	Path    string
	Present bool
}

// Inputs is everything the policy needs, gathered fresh for each launch.
type Inputs struct {
	Profile   Profile
	Isolation Isolation
	Namespace string
	DataRoot  string

	// Override is an absolute host path, or empty.
	Override                 string
	OverrideCompanionPresent bool

	PrimaryEnvSet bool

	HostCredentialDir string
	SessionPresent    bool
	HostCompanionFile string
	CompanionPresent  bool

	VCSConfigDir       string
	VCSConfigPresent   bool
	VCSIdentityFile    string
	VCSIdentityPresent bool
}

// Decision is a single provenance record describing one mount choice.
type Decision struct {
	Rule   string      `json:"rule" yaml:"rule"`
	Kind   SourceKind  `json:"kind" yaml:"kind"`
	Source string      `json:"source,omitempty" yaml:"source,omitempty"`
	Target string      `json:"target,omitempty" yaml:"target,omitempty"`
	Mode   mounts.Mode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Note   string      `json:"note,omitempty" yaml:"note,omitempty"`
}

func (d Decision) String() string {
	if d.Source == "" {
		return fmt.Sprintf("%s: %s", d.Rule, d.Note)
	}
	line := fmt.Sprintf("%s: %s -> %s (%s)", d.Rule, d.Source, d.Target, d.Mode)
	if d.Note != "" {
		line += "; " + d.Note
	}
	return line
}

// Resolution is the policy output.
type Resolution struct {
	Source    Source
	Mounts    []mounts.Spec
	Decisions []Decision
}

// Resolve applies the precedence chain and the VCS overlay. It never fails:
// every branch degrades to fewer mounts.
func Resolve(in Inputs) Resolution {
	var res Resolution
	p := in.Profile
	credTarget := p.ContainerCredentialDir()
	companionTarget := p.ContainerCompanionFile()

	switch {
	case strings.TrimSpace(in.Override) != "":
		host := filepath.Clean(in.Override)
		res.Source = Source{Kind: SourceOverride, Path: host, Present: true}
		res.add(mounts.Spec{
			Label:     p.Name + "-credentials",
			Host:      host,
			Container: credTarget,
			Mode:      mounts.ReadWrite,
			Rank:      mounts.RankCredential,
			Kind:      mounts.KindDirectory,
			Create:    true,
		}, "override", SourceOverride, "explicit credential override")
		if companionTarget != "" && in.OverrideCompanionPresent {
			res.add(mounts.Spec{
				Label:     p.Name + "-session-state",
				Host:      filepath.Join(filepath.Dir(host), p.CompanionFile),
				Container: companionTarget,
				Mode:      mounts.ReadWrite,
				Rank:      mounts.RankCompanion,
				Kind:      mounts.KindFile,
			}, "override", SourceOverride, "session state beside override")
		}

	case !in.PrimaryEnvSet && in.SessionPresent:
		host := filepath.Clean(in.HostCredentialDir)
		res.Source = Source{Kind: SourceSession, Path: host, Present: true}
		res.add(mounts.Spec{
			Label:     p.Name + "-credentials",
			Host:      host,
			Container: credTarget,
			Mode:      mounts.ReadOnly,
			Rank:      mounts.RankCredential,
			Kind:      mounts.KindDirectory,
		}, "session", SourceSession, fmt.Sprintf("host session %s detected and %s unset", p.SessionFile, p.PrimaryEnv))
		if companionTarget != "" && in.CompanionPresent {
			res.add(mounts.Spec{
				Label:     p.Name + "-session-state",
				Host:      filepath.Clean(in.HostCompanionFile),
				Container: companionTarget,
				Mode:      mounts.ReadOnly,
				Rank:      mounts.RankCompanion,
				Kind:      mounts.KindFile,
			}, "session", SourceSession, "")
		}

	default:
		kind := SourceSharedState
		if in.Isolation == PerNamespace {
			kind = SourceNamespaceState
			if in.Namespace == "" {
				res.Source = Source{Kind: SourceNone}
				res.Decisions = append(res.Decisions, Decision{
					Rule: "none",
					Kind: SourceNone,
					Note: "namespace isolation requested without a namespace; no credential mount",
				})
				break
			}
		}
		host := PersistentDir(in.DataRoot, in.Isolation, in.Namespace, p.Name+"-state")
		res.Source = Source{Kind: kind, Path: host}
		note := "no host credentials"
		if in.PrimaryEnvSet {
			note = p.PrimaryEnv + " set; host session not needed"
		}
		res.add(mounts.Spec{
			Label:     p.Name + "-credentials",
			Host:      host,
			Container: credTarget,
			Mode:      mounts.ReadWrite,
			Rank:      mounts.RankCredential,
			Kind:      mounts.KindDirectory,
			Create:    true,
		}, "state", kind, note)
	}

	if in.VCSConfigPresent && in.VCSConfigDir != "" {
		res.add(mounts.Spec{
			Label:     "vcs-config",
			Host:      filepath.Clean(in.VCSConfigDir),
			Container: path.Join(ContainerHome, ".config", "gh"),
			Mode:      mounts.ReadOnly,
			Rank:      mounts.RankVCS,
			Kind:      mounts.KindDirectory,
		}, "vcs", "", "")
	}
	if in.VCSIdentityPresent && in.VCSIdentityFile != "" {
		res.add(mounts.Spec{
			Label:     "vcs-identity",
			Host:      filepath.Clean(in.VCSIdentityFile),
			Container: path.Join(ContainerHome, ".gitconfig"),
			Mode:      mounts.ReadOnly,
			Rank:      mounts.RankVCS,
			Kind:      mounts.KindFile,
		}, "vcs", "", "")
	}

	return res
}

func (r *Resolution) add(spec mounts.Spec, rule string, kind SourceKind, note string) {
	r.Mounts = append(r.Mounts, spec)
	r.Decisions = append(r.Decisions, Decision{
		Rule:   rule,
		Kind:   kind,
		Source: spec.Host,
		Target: spec.Container,
		Mode:   spec.Mode,
		Note:   note,
	})
}

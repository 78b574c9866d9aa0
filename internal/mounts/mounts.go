// Package mounts models the bind mounts handed to the container runtime and
// resolves collisions between them. Every mount carries a rank; when two specs
// target the same container path the lower rank wins.
package mounts

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Mode is the access mode of a bind mount.
type Mode string

const (
	ReadOnly  Mode = "ro"
	ReadWrite Mode = "rw"
)

// ParseMode accepts "ro" or "rw" (case-insensitive). Empty input yields rw.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "rw":
		return ReadWrite, nil
	case "ro":
		return ReadOnly, nil
	default:
		return "", fmt.Errorf("invalid mount mode %q: must be ro or rw", raw)
	}
}

// Kind distinguishes between directory and file mounts.
type Kind int

const (
	// KindUnknown defers to runtime inspection.
	KindUnknown Kind = iota
	// KindDirectory indicates the host path is a directory.
	KindDirectory
	// KindFile indicates the host path is a file.
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "dir"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Rank orders competing mounts. Lower ranks win collisions.
type Rank int

const (
	RankWorkspace   Rank = 5
	RankCredential  Rank = 10
	RankCompanion   Rank = 11
	RankVCS         Rank = 20
	RankHome        Rank = 30
	RankCLIExtra    Rank = 100
	RankConfigExtra Rank = 110
)

// Spec describes a single bind mount.
type Spec struct {
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
	Host      string `json:"host" yaml:"host"`
	Container string `json:"container" yaml:"container"`
	Mode      Mode   `json:"mode" yaml:"mode"`
	Rank      Rank   `json:"rank" yaml:"rank"`
	Kind      Kind   `json:"-" yaml:"-"`
	// Create marks host directories that may be created when missing.
	Create bool `json:"create,omitempty" yaml:"create,omitempty"`
}

// DockerArg renders the spec in docker's -v host:container:mode form.
func (s Spec) DockerArg() string {
	mode := s.Mode
	if mode == "" {
		mode = ReadWrite
	}
	return fmt.Sprintf("%s:%s:%s", s.Host, s.Container, mode)
}

func (s Spec) String() string {
	return fmt.Sprintf("%s -> %s (%s)", s.Host, s.Container, s.Mode)
}

// Finalize removes specs that collide on container path, keeping the entry
// with the lowest rank. Ties keep the entry inserted first. Survivors retain
// their insertion order. Dropped entries are returned for diagnostics.
func Finalize(specs []Spec) (kept, dropped []Spec) {
	winner := make(map[string]int, len(specs))
	for i, spec := range specs {
		key := containerKey(spec.Container)
		prev, seen := winner[key]
		if !seen || spec.Rank < specs[prev].Rank {
			winner[key] = i
		}
	}

	kept = make([]Spec, 0, len(winner))
	for i, spec := range specs {
		if winner[containerKey(spec.Container)] == i {
			kept = append(kept, spec)
			continue
		}
		dropped = append(dropped, spec)
	}
	return kept, dropped
}

func containerKey(p string) string {
	return path.Clean(strings.TrimSpace(p))
}

// ParseBind parses a "source:dest[:ro|rw]" specification. The host side is
// cleaned but not resolved; callers expand ~ and relative paths.
func ParseBind(spec string) (host, container string, mode Mode, err error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", "", fmt.Errorf("invalid mount %q; expected src:dst[:ro|rw]", spec)
	}
	host = strings.TrimSpace(parts[0])
	container = strings.TrimSpace(parts[1])
	if host == "" || container == "" {
		return "", "", "", fmt.Errorf("invalid mount %q; source and destination are required", spec)
	}
	if !strings.HasPrefix(container, "/") {
		return "", "", "", fmt.Errorf("invalid mount %q; destination must be an absolute container path", spec)
	}
	mode = ReadWrite
	if len(parts) == 3 {
		mode, err = ParseMode(parts[2])
		if err != nil {
			return "", "", "", err
		}
	}
	return filepath.Clean(host), path.Clean(container), mode, nil
}

package credentials

import (
	"os"
	"path/filepath"
	"strings"
)

// HostEnv abstracts the host facts the probe reads so tests can supply them.
type HostEnv struct {
	Home      string
	LookupEnv func(string) (string, bool)
	Stat      func(string) (os.FileInfo, error)
}

// Request carries the per-launch choices that feed the policy.
type Request struct {
	Variant   string
	Isolation Isolation
	Namespace string
	DataRoot  string
	// Override must already be absolute.
	Override string
}

// Probe inspects the host and assembles policy inputs. Nothing is cached; a
// fresh probe runs on every launch.
func Probe(req Request, env HostEnv) (Inputs, error) {
	profile, err := ProfileFor(req.Variant)
	if err != nil {
		return Inputs{}, err
	}
	lookup := env.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	stat := env.Stat
	if stat == nil {
		stat = os.Stat
	}

	in := Inputs{
		Profile:   profile,
		Isolation: req.Isolation,
		Namespace: req.Namespace,
		DataRoot:  req.DataRoot,
		Override:  strings.TrimSpace(req.Override),
	}

	if value, ok := lookup(profile.PrimaryEnv); ok && strings.TrimSpace(value) != "" {
		in.PrimaryEnvSet = true
	}

	if in.Override != "" && profile.CompanionFile != "" {
		in.OverrideCompanionPresent = isFile(stat, filepath.Join(filepath.Dir(filepath.Clean(in.Override)), profile.CompanionFile))
	}

	in.HostCredentialDir = profile.HostCredentialDir(env.Home, lookup)
	in.SessionPresent = isFile(stat, filepath.Join(in.HostCredentialDir, profile.SessionFile))
	if profile.CompanionFile != "" {
		in.HostCompanionFile = profile.HostCompanionFile(env.Home, lookup)
		in.CompanionPresent = isFile(stat, in.HostCompanionFile)
	}

	in.VCSConfigDir = filepath.Join(env.Home, ".config", "gh")
	if raw, ok := lookup("GH_CONFIG_DIR"); ok && strings.TrimSpace(raw) != "" {
		in.VCSConfigDir = expandHomeRelative(strings.TrimSpace(raw), env.Home)
	}
	in.VCSConfigPresent = isDir(stat, in.VCSConfigDir)
	in.VCSIdentityFile = filepath.Join(env.Home, ".gitconfig")
	in.VCSIdentityPresent = isFile(stat, in.VCSIdentityFile)

	return in, nil
}

func isFile(stat func(string) (os.FileInfo, error), p string) bool {
	info, err := stat(p)
	return err == nil && !info.IsDir()
}

func isDir(stat func(string) (os.FileInfo, error), p string) bool {
	info, err := stat(p)
	return err == nil && info.IsDir()
}

package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strongdm/berth/internal/mounts"
)

func claudeInputs(t *testing.T) Inputs {
	t.Helper()
	p, err := ProfileFor("claude")
	require.NoError(t, err)
	return Inputs{
		Profile:           p,
		DataRoot:          "/data/berth",
		HostCredentialDir: "/home/me/.claude",
		HostCompanionFile: "/home/me/.claude.json",
	}
}

func mountFor(res Resolution, container string) (mounts.Spec, bool) {
	for _, m := range res.Mounts {
		if m.Container == container {
			return m, true
		}
	}
	return mounts.Spec{}, false
}

func TestOverrideBeatsDetectedSession(t *testing.T) {
	t.Parallel()

	in := claudeInputs(t)
	in.Override = "/work/creds/.claude"
	in.OverrideCompanionPresent = true
	in.SessionPresent = true
	in.CompanionPresent = true

	res := Resolve(in)
	require.Equal(t, SourceOverride, res.Source.Kind)

	cred, ok := mountFor(res, "/home/agent/.claude")
	require.True(t, ok)
	require.Equal(t, "/work/creds/.claude", cred.Host)
	require.Equal(t, mounts.ReadWrite, cred.Mode)

	companion, ok := mountFor(res, "/home/agent/.claude.json")
	require.True(t, ok)
	require.Equal(t, "/work/creds/.claude.json", companion.Host)
	require.Equal(t, mounts.ReadWrite, companion.Mode)

	for _, m := range res.Mounts {
		require.NotEqual(t, "/home/me/.claude", m.Host, "auto-detected session must not be mounted")
	}
}

func TestSessionMountedReadOnlyWhenEnvUnset(t *testing.T) {
	t.Parallel()

	in := claudeInputs(t)
	in.SessionPresent = true
	in.CompanionPresent = true

	res := Resolve(in)
	require.Equal(t, SourceSession, res.Source.Kind)
	cred, ok := mountFor(res, "/home/agent/.claude")
	require.True(t, ok)
	require.Equal(t, mounts.ReadOnly, cred.Mode)
	require.Equal(t, "/home/me/.claude", cred.Host)
	companion, ok := mountFor(res, "/home/agent/.claude.json")
	require.True(t, ok)
	require.Equal(t, mounts.ReadOnly, companion.Mode)
}

func TestSessionWithoutCompanion(t *testing.T) {
	t.Parallel()

	in := claudeInputs(t)
	in.SessionPresent = true

	res := Resolve(in)
	_, ok := mountFor(res, "/home/agent/.claude.json")
	require.False(t, ok)
	require.Len(t, res.Mounts, 1)
}

func TestEnvSetFallsBackToSharedState(t *testing.T) {
	t.Parallel()

	in := claudeInputs(t)
	in.PrimaryEnvSet = true
	in.SessionPresent = true

	res := Resolve(in)
	require.Equal(t, SourceSharedState, res.Source.Kind)
	cred, ok := mountFor(res, "/home/agent/.claude")
	require.True(t, ok)
	require.Equal(t, filepath.Join("/data/berth", "shared", "claude-state"), cred.Host)
	require.Equal(t, mounts.ReadWrite, cred.Mode)
	require.True(t, cred.Create)
}

func TestNoCredentialsUsesNamespaceState(t *testing.T) {
	t.Parallel()

	in := claudeInputs(t)
	in.Isolation = PerNamespace
	in.Namespace = "acme"

	res := Resolve(in)
	require.Equal(t, SourceNamespaceState, res.Source.Kind)
	require.Equal(t, filepath.Join("/data/berth", "namespaces", "acme", "claude-state"), res.Mounts[0].Host)
}

func TestNamespaceIsolationWithoutNamespaceMountsNothing(t *testing.T) {
	t.Parallel()

	in := claudeInputs(t)
	in.Isolation = PerNamespace

	res := Resolve(in)
	require.Equal(t, SourceNone, res.Source.Kind)
	require.Empty(t, res.Mounts)
	require.Len(t, res.Decisions, 1)
}

func TestNamespaceStateDirsAreDisjoint(t *testing.T) {
	t.Parallel()

	namespaces := []string{"a", "b", "acme", "acme-1", "acme_1", "acme1", "0", "team-a", "team-b"}
	hosts := map[string]string{}
	for _, ns := range namespaces {
		require.NoError(t, ValidateNamespace(ns))
		in := claudeInputs(t)
		in.Isolation = PerNamespace
		in.Namespace = ns
		in.VCSConfigPresent = true
		in.VCSConfigDir = "/home/me/.config/gh"
		res := Resolve(in)
		for _, m := range res.Mounts {
			if m.Mode != mounts.ReadWrite {
				continue
			}
			if owner, seen := hosts[m.Host]; seen {
				t.Fatalf("namespaces %q and %q share host path %s", owner, ns, m.Host)
			}
			hosts[m.Host] = ns
		}
	}
	require.Len(t, hosts, len(namespaces))
}

func TestValidateNamespaceRejectsAliases(t *testing.T) {
	t.Parallel()

	for _, ns := range []string{"Acme", "a/b", "..", ".", "a.b", "-lead", "with space", string(make([]byte, 64))} {
		require.Error(t, ValidateNamespace(ns), ns)
	}
	require.NoError(t, ValidateNamespace(""))
}

func TestVCSOverlayIsIndependentAndReadOnly(t *testing.T) {
	t.Parallel()

	in := claudeInputs(t)
	in.Override = "/o/.claude"
	in.VCSConfigDir = "/home/me/.config/gh"
	in.VCSConfigPresent = true
	in.VCSIdentityFile = "/home/me/.gitconfig"
	in.VCSIdentityPresent = true

	res := Resolve(in)
	gh, ok := mountFor(res, "/home/agent/.config/gh")
	require.True(t, ok)
	require.Equal(t, mounts.ReadOnly, gh.Mode)
	gitcfg, ok := mountFor(res, "/home/agent/.gitconfig")
	require.True(t, ok)
	require.Equal(t, mounts.ReadOnly, gitcfg.Mode)

	in.VCSIdentityPresent = false
	res = Resolve(in)
	_, ok = mountFor(res, "/home/agent/.gitconfig")
	require.False(t, ok)
}

func TestEveryMountHasDecision(t *testing.T) {
	t.Parallel()

	in := claudeInputs(t)
	in.SessionPresent = true
	in.CompanionPresent = true
	in.VCSIdentityFile = "/home/me/.gitconfig"
	in.VCSIdentityPresent = true

	res := Resolve(in)
	require.Len(t, res.Decisions, len(res.Mounts))
	for i, d := range res.Decisions {
		require.Equal(t, res.Mounts[i].Host, d.Source)
		require.Contains(t, d.String(), string(res.Mounts[i].Mode))
	}
}

func TestProbeReadsHost(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".claude"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".claude", ".credentials.json"), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".claude.json"), []byte("{}"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".config", "gh"), 0o700))

	env := map[string]string{}
	in, err := Probe(Request{Variant: "claude", DataRoot: "/data"}, HostEnv{
		Home: home,
		LookupEnv: func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		},
	})
	require.NoError(t, err)
	require.False(t, in.PrimaryEnvSet)
	require.True(t, in.SessionPresent)
	require.True(t, in.CompanionPresent)
	require.True(t, in.VCSConfigPresent)
	require.False(t, in.VCSIdentityPresent)

	env["ANTHROPIC_API_KEY"] = "sk-test"
	in, err = Probe(Request{Variant: "shell", DataRoot: "/data"}, HostEnv{
		Home: home,
		LookupEnv: func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		},
	})
	require.NoError(t, err)
	require.True(t, in.PrimaryEnvSet)
	require.Equal(t, "claude", in.Profile.Name)
}

func TestProbeHonorsConfigDirOverride(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	alt := filepath.Join(home, "alt", "claude")
	require.NoError(t, os.MkdirAll(alt, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(alt, ".credentials.json"), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(alt, ".claude.json"), []byte("{}"), 0o600))
	// A stray file next to the relocated directory is not the companion.
	require.NoError(t, os.WriteFile(filepath.Join(home, "alt", ".claude.json"), []byte("{}"), 0o600))

	in, err := Probe(Request{Variant: "claude"}, HostEnv{
		Home: home,
		LookupEnv: func(key string) (string, bool) {
			if key == "CLAUDE_CONFIG_DIR" {
				return "~/alt/claude", true
			}
			return "", false
		},
	})
	require.NoError(t, err)
	require.Equal(t, alt, in.HostCredentialDir)
	require.True(t, in.SessionPresent)
	require.Equal(t, filepath.Join(alt, ".claude.json"), in.HostCompanionFile)
	require.True(t, in.CompanionPresent)

	res := Resolve(in)
	companion, ok := mountFor(res, "/home/agent/.claude.json")
	require.True(t, ok)
	require.Equal(t, filepath.Join(alt, ".claude.json"), companion.Host)
}

func TestProbeCompanionBesideDefaultDir(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".claude"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".claude", ".credentials.json"), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".claude.json"), []byte("{}"), 0o600))

	in, err := Probe(Request{Variant: "claude"}, HostEnv{
		Home:      home,
		LookupEnv: func(string) (string, bool) { return "", false },
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".claude.json"), in.HostCompanionFile)
	require.True(t, in.CompanionPresent)
}

func TestProbeUnknownVariant(t *testing.T) {
	t.Parallel()

	_, err := Probe(Request{Variant: "emacs"}, HostEnv{Home: t.TempDir()})
	require.Error(t, err)
}

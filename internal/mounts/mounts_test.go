package mounts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFinalizeKeepsLowestRank(t *testing.T) {
	t.Parallel()

	specs := []Spec{
		{Label: "extra", Host: "/tmp/mine", Container: "/home/agent/.claude", Mode: ReadWrite, Rank: RankCLIExtra},
		{Label: "workspace", Host: "/src/app", Container: "/src/app", Mode: ReadWrite, Rank: RankWorkspace},
		{Label: "credential", Host: "/home/me/.claude", Container: "/home/agent/.claude/", Mode: ReadOnly, Rank: RankCredential},
	}

	kept, dropped := Finalize(specs)
	require.Len(t, kept, 2)
	require.Equal(t, "workspace", kept[0].Label)
	require.Equal(t, "credential", kept[1].Label)
	require.Len(t, dropped, 1)
	require.Equal(t, "extra", dropped[0].Label)
}

func TestFinalizeTieKeepsFirst(t *testing.T) {
	t.Parallel()

	specs := []Spec{
		{Label: "a", Host: "/a", Container: "/data", Rank: RankConfigExtra},
		{Label: "b", Host: "/b", Container: "/data", Rank: RankConfigExtra},
	}
	kept, dropped := Finalize(specs)
	require.Len(t, kept, 1)
	require.Equal(t, "a", kept[0].Label)
	require.Equal(t, "b", dropped[0].Label)
}

func TestFinalizeNoDuplicateContainerPaths(t *testing.T) {
	t.Parallel()

	specs := []Spec{
		{Host: "/1", Container: "/x", Rank: 3},
		{Host: "/2", Container: "/y", Rank: 1},
		{Host: "/3", Container: "/x/", Rank: 2},
		{Host: "/4", Container: "/y", Rank: 0},
		{Host: "/5", Container: "/z", Rank: 9},
	}
	kept, _ := Finalize(specs)
	seen := map[string]bool{}
	for _, spec := range kept {
		key := containerKey(spec.Container)
		require.False(t, seen[key], "duplicate container path %s", key)
		seen[key] = true
	}
	require.Equal(t, []string{"/3", "/4", "/5"}, []string{kept[0].Host, kept[1].Host, kept[2].Host})
}

func TestParseBind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		spec      string
		host      string
		container string
		mode      Mode
		wantErr   bool
	}{
		{spec: "/src:/dst", host: "/src", container: "/dst", mode: ReadWrite},
		{spec: "/src:/dst:ro", host: "/src", container: "/dst", mode: ReadOnly},
		{spec: "./rel:/dst/:RW", host: "rel", container: "/dst", mode: ReadWrite},
		{spec: "/src", wantErr: true},
		{spec: "/src:relative", wantErr: true},
		{spec: "/src:/dst:rx", wantErr: true},
		{spec: "/a:/b:ro:extra", wantErr: true},
		{spec: ":/dst", wantErr: true},
	}

	for _, tt := range tests {
		host, container, mode, err := ParseBind(tt.spec)
		if tt.wantErr {
			require.Error(t, err, tt.spec)
			continue
		}
		require.NoError(t, err, tt.spec)
		require.Equal(t, tt.host, host)
		require.Equal(t, tt.container, container)
		require.Equal(t, tt.mode, mode)
	}
}

func TestDockerArg(t *testing.T) {
	t.Parallel()

	spec := Spec{Host: "/h", Container: "/c"}
	require.Equal(t, "/h:/c:rw", spec.DockerArg())
	spec.Mode = ReadOnly
	require.Equal(t, "/h:/c:ro", spec.DockerArg())
}

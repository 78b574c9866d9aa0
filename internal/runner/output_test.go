package runner

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/strongdm/berth/internal/configstore"
)

func TestWritePlanYAMLAndJSONRedactSecrets(t *testing.T) {
	f := newFixture(t)
	plan, err := f.resolver(configstore.New()).Resolve(Options{
		Project:   f.project,
		Namespace: "acme",
		Env:       []string{"OPENAI_API_KEY=sk-live", "EDITOR=vim"},
	})
	require.NoError(t, err)

	var y bytes.Buffer
	require.NoError(t, WritePlan(&y, plan, "yaml"))
	require.NotContains(t, y.String(), "sk-live")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(y.Bytes(), &decoded))
	require.Equal(t, "berth-acme.my-project", decoded["identity"])
	require.Equal(t, "claude", decoded["agent"])
	require.Contains(t, decoded["env"], "OPENAI_API_KEY="+redacted)
	require.Contains(t, decoded["env"], "EDITOR=vim")

	var j bytes.Buffer
	require.NoError(t, WritePlan(&j, plan, "json"))
	var fromJSON struct {
		Identity string   `json:"identity"`
		Network  string   `json:"network"`
		Command  []string `json:"command"`
		Env      []string `json:"env"`
	}
	require.NoError(t, json.Unmarshal(j.Bytes(), &fromJSON))
	require.Equal(t, "berth-acme.my-project", fromJSON.Identity)
	require.Equal(t, "open", fromJSON.Network)
	require.Equal(t, []string{"claude"}, fromJSON.Command)
	require.Contains(t, fromJSON.Env, "OPENAI_API_KEY="+redacted)

	require.Equal(t, "OPENAI_API_KEY=sk-live", plan.Env[0], "redaction must not mutate the plan")
}

func TestWritePlanRejectsUnknownFormat(t *testing.T) {
	f := newFixture(t)
	plan, err := f.resolver(configstore.New()).Resolve(Options{Project: f.project})
	require.NoError(t, err)
	err = WritePlan(&bytes.Buffer{}, plan, "toml")
	requireConfigError(t, err, "format")
}

func TestQuoteShellArg(t *testing.T) {
	tests := map[string]string{
		"":          "''",
		"abc123":    "abc123",
		"--flag=x":  "--flag=x",
		"foo bar":   "'foo bar'",
		"O'Brien":   `'O'"'"'Brien'`,
		"cost$5":    "'cost$5'",
		"*.go":      "'*.go'",
		"echo;rm":   "'echo;rm'",
		"/a/b:c,d@": "/a/b:c,d@",
	}
	for in, want := range tests {
		require.Equal(t, want, quoteShellArg(in), in)
	}
	require.Equal(t, "claude -p 'hi there'", shellQuote([]string{"claude", "-p", "hi there"}))
}

package configstore

import "slices"

// DecisionScope models the precedence layer that yielded an effective choice.
type DecisionScope string

const (
	ScopeUnset   DecisionScope = "unset"
	ScopeGlobal  DecisionScope = "global"
	ScopeProject DecisionScope = "project"
)

// Value is an effective setting and the layer it came from.
type Value struct {
	Value string
	Scope DecisionScope
}

// Set reports whether any layer supplied the value.
func (v Value) Set() bool {
	return v.Scope != ScopeUnset && v.Scope != ""
}

// Effective holds the settings that apply to one project. Scalars resolve
// project > global > unset. Lists and env vars are kept per layer so callers
// can rank and merge them.
type Effective struct {
	Agent     Value
	Namespace Value
	Image     Value
	Network   Value
	Isolation Value

	GlobalVolumes  []string
	ProjectVolumes []string
	GlobalEnv      map[string]string
	ProjectEnv     map[string]string
	// ExtraDomains is the union of both layers, global first.
	ExtraDomains []string
}

// Effective resolves the settings for projectPath. An empty path yields the
// global layer only.
func (c Config) Effective(projectPath string) (Effective, error) {
	var project Settings
	if projectPath != "" {
		var err error
		project, _, err = c.Project(projectPath)
		if err != nil {
			return Effective{}, err
		}
	}
	global := c.Global

	eff := Effective{
		Agent:          pick(project.Agent, global.Agent),
		Namespace:      pick(project.Namespace, global.Namespace),
		Image:          pick(project.Image, global.Image),
		Network:        pick(project.Network, global.Network),
		Isolation:      pick(project.Isolation, global.Isolation),
		GlobalVolumes:  slices.Clone(global.Volumes),
		ProjectVolumes: slices.Clone(project.Volumes),
		GlobalEnv:      global.clone().EnvVars,
		ProjectEnv:     project.clone().EnvVars,
	}
	for _, d := range append(slices.Clone(global.ExtraDomains), project.ExtraDomains...) {
		if !slices.Contains(eff.ExtraDomains, d) {
			eff.ExtraDomains = append(eff.ExtraDomains, d)
		}
	}
	return eff, nil
}

// EnvLayers returns the global and project env layers in precedence order.
func (e Effective) EnvLayers() []EnvLayer {
	return []EnvLayer{
		LayerFromMap(string(ScopeGlobal), e.GlobalEnv),
		LayerFromMap(string(ScopeProject), e.ProjectEnv),
	}
}

func pick(project, global string) Value {
	switch {
	case project != "":
		return Value{Value: project, Scope: ScopeProject}
	case global != "":
		return Value{Value: global, Scope: ScopeGlobal}
	default:
		return Value{Scope: ScopeUnset}
	}
}

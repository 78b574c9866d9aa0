package configstore

import (
	"sort"
	"strings"
)

// EnvLayer represents a single precedence layer of environment variable specifications.
// Later layers override earlier ones when the same key occurs multiple times.
type EnvLayer struct {
	Name  string
	Specs map[string]string
	Order []string
}

// LayerFromMap builds a layer of KEY=VALUE specs ordered by key.
func LayerFromMap(name string, vars map[string]string) EnvLayer {
	layer := EnvLayer{Name: name, Specs: make(map[string]string, len(vars))}
	for key, value := range vars {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		layer.Specs[key] = key + "=" + value
		layer.Order = append(layer.Order, key)
	}
	sort.Strings(layer.Order)
	return layer
}

// Add appends a KEY=VALUE spec, or a bare KEY for passthrough, replacing an
// earlier entry for the same key.
func (l *EnvLayer) Add(spec string) {
	key, _, _ := strings.Cut(spec, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if l.Specs == nil {
		l.Specs = make(map[string]string)
	}
	if _, ok := l.Specs[key]; !ok {
		l.Order = append(l.Order, key)
	}
	l.Specs[key] = spec
}

func (l EnvLayer) normalizedOrder() []string {
	if len(l.Specs) == 0 {
		return nil
	}
	order := make([]string, 0, len(l.Specs))
	seen := make(map[string]struct{}, len(l.Specs))
	for _, key := range l.Order {
		key = strings.TrimSpace(key)
		if _, ok := l.Specs[key]; !ok || key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		order = append(order, key)
		seen[key] = struct{}{}
	}

	// Keys missing from Order still emit, sorted, after the ordered ones.
	var remaining []string
	for key := range l.Specs {
		if _, ok := seen[key]; !ok && strings.TrimSpace(key) != "" {
			remaining = append(remaining, key)
		}
	}
	sort.Strings(remaining)
	return append(order, remaining...)
}

// MergeEnvLayers applies precedence across multiple EnvLayer values, returning the resulting
// environment variable specifications in deterministic order. Later layers win ties; a key
// is emitted at the position of the layer that wins it.
func MergeEnvLayers(layers ...EnvLayer) []string {
	if len(layers) == 0 {
		return nil
	}

	orders := make([][]string, len(layers))
	winner := make(map[string]int)
	for i, layer := range layers {
		orders[i] = layer.normalizedOrder()
		for _, key := range orders[i] {
			winner[key] = i
		}
	}

	result := make([]string, 0, len(winner))
	for i, order := range orders {
		for _, key := range order {
			if winner[key] == i {
				result = append(result, layers[i].Specs[key])
			}
		}
	}
	return result
}

// EnvProvenance reports which layer supplied each key after merging.
func EnvProvenance(layers ...EnvLayer) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for key := range layer.Specs {
			out[strings.TrimSpace(key)] = layer.Name
		}
	}
	return out
}

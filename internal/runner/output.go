package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// WritePlan renders the plan as "yaml" (default) or "json" with secret env
// values redacted.
func WritePlan(w io.Writer, p *Plan, format string) error {
	safe := p.Redacted()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(safe); err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(safe); err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		return nil
	default:
		return configErrorf("format", "unknown output format %q (want yaml or json)", format)
	}
}

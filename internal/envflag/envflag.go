// Package envflag interprets BERTH_* boolean toggles read from the environment.
package envflag

import (
	"os"
	"strings"
)

// Enabled reports whether the named environment variable holds a truthy value.
// Unset or unrecognized values report false.
func Enabled(key string) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	return IsTruthy(value)
}

// IsTruthy returns true when value matches an accepted truthy form.
func IsTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "on", "yes":
		return true
	default:
		return false
	}
}

// Bool interprets value as a toggle, falling back to defaultOn for empty or
// unrecognized input.
func Bool(value string, defaultOn bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return defaultOn
	case "1", "t", "true", "on", "enable", "enabled", "yes":
		return true
	case "0", "f", "false", "off", "disable", "disabled", "no":
		return false
	default:
		return defaultOn
	}
}

// Package configstore persists berth configuration in an XDG-compliant
// location and resolves the effective settings for a project. Project
// entries take precedence over the global [berth] table; anything unset in
// both falls back to built-in defaults chosen by the caller.
package configstore

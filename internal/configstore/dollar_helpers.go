package configstore

import (
	"bytes"
	"errors"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Users write `\$` in double-quoted strings to keep a literal dollar. TOML
// rejects that escape, so on the matching decode error the raw bytes are
// rewritten to `\\$` inside basic strings and decoded again. Values are then
// expanded against the environment with escaped dollars left intact.

func needsDollarEscapeFix(err error) bool {
	var decodeErr *toml.DecodeError
	if !errors.As(err, &decodeErr) {
		return false
	}
	return strings.Contains(decodeErr.Error(), "invalid escaped character U+0024 '$'")
}

func sanitizeDollarEscapes(data []byte) ([]byte, bool) {
	if !bytes.Contains(data, []byte(`\$`)) {
		return data, false
	}

	var out bytes.Buffer
	out.Grow(len(data) + 16)
	// delim is the open string delimiter; empty outside strings.
	delim := ""
	modified := false

	for i := 0; i < len(data); i++ {
		rest := data[i:]
		if delim == "" {
			for _, d := range []string{`"""`, `'''`, `"`, `'`} {
				if bytes.HasPrefix(rest, []byte(d)) {
					delim = d
					break
				}
			}
			if delim != "" {
				out.WriteString(delim)
				i += len(delim) - 1
				continue
			}
			out.WriteByte(data[i])
			continue
		}

		basic := delim[0] == '"'
		if basic && data[i] == '\\' && i+1 < len(data) {
			out.WriteByte('\\')
			if data[i+1] == '$' {
				out.WriteByte('\\')
				modified = true
			}
			out.WriteByte(data[i+1])
			i++
			continue
		}
		if bytes.HasPrefix(rest, []byte(delim)) {
			out.WriteString(delim)
			i += len(delim) - 1
			delim = ""
			continue
		}
		out.WriteByte(data[i])
	}

	if !modified {
		return data, false
	}
	return out.Bytes(), true
}

const escapedDollarPlaceholder = "\x00BERTH_ESCAPED_DOLLAR\x00"

// expandConfigValue expands $VAR and ${VAR} using the process environment.
// A backslash-escaped dollar survives as a literal '$'.
func expandConfigValue(raw string) string {
	if raw == "" {
		return ""
	}
	protected := strings.ReplaceAll(raw, `\$`, escapedDollarPlaceholder)
	expanded := os.Expand(protected, os.Getenv)
	return strings.ReplaceAll(expanded, escapedDollarPlaceholder, "$")
}

package runner

import "strings"

// buildVersion is set once from main via SetVersion.
var buildVersion string

// SetVersion records the release version. Blank values are ignored.
func SetVersion(v string) {
	if v = strings.TrimSpace(v); v != "" {
		buildVersion = v
	}
}

// Version reports the release as "vX.Y.Z", or "dev" for untagged builds.
func Version() string {
	switch v := strings.TrimSpace(buildVersion); {
	case v == "", v == "dev":
		return "dev"
	case v[0] == 'v' || v[0] == 'V':
		return v
	default:
		return "v" + v
	}
}

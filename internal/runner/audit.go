package runner

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type auditTheme struct {
	title   lipgloss.Style
	section lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	warn    lipgloss.Style
}

func newAuditTheme(color bool) auditTheme {
	if !color {
		plain := lipgloss.NewStyle()
		return auditTheme{title: plain, section: plain, label: plain, value: plain, warn: plain}
	}
	accent := lipgloss.Color("#58d4ff")
	return auditTheme{
		title:   lipgloss.NewStyle().Foreground(accent).Bold(true),
		section: lipgloss.NewStyle().Bold(true),
		label:   lipgloss.NewStyle().Faint(true),
		value:   lipgloss.NewStyle().Foreground(accent),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#ffb454")).Bold(true),
	}
}

const redacted = "<redacted>"

var secretKeyMarkers = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "PASSWD", "CREDENTIAL", "AUTH"}

func looksSecret(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// redactEnvSpec hides the value of KEY=VALUE specs whose key names a secret.
func redactEnvSpec(spec string) string {
	key, value, ok := strings.Cut(spec, "=")
	if !ok || value == "" || !looksSecret(key) {
		return spec
	}
	return key + "=" + redacted
}

// Redacted returns a copy of p safe to print.
func (p *Plan) Redacted() *Plan {
	out := *p
	out.Env = make([]string, len(p.Env))
	for i, spec := range p.Env {
		out.Env[i] = redactEnvSpec(spec)
	}
	return &out
}

// WriteAudit prints every mount decision and security posture decision.
func WriteAudit(w io.Writer, p *Plan, color bool) {
	th := newAuditTheme(color)
	line := func(label, format string, args ...any) {
		fmt.Fprintf(w, "  %s %s\n", th.label.Render(fmt.Sprintf("%-11s", label)), th.value.Render(fmt.Sprintf(format, args...)))
	}

	fmt.Fprintf(w, "%s %s\n", th.title.Render("berth"), th.value.Render(p.Identity))
	line("agent", "%s (%s)", p.Agent, p.Source("agent"))
	line("image", "%s (%s)", p.Image, p.Source("image"))
	line("project", "%s", p.ProjectDir)
	if p.Namespace != "" {
		line("namespace", "%s (%s)", p.Namespace, p.Source("namespace"))
	}
	line("isolation", "%s (%s)", p.Isolation, p.Source("isolation"))
	line("session", "%s", p.SessionID)

	fmt.Fprintln(w, th.section.Render("credentials"))
	for _, d := range p.Decisions {
		detail := strings.TrimPrefix(d.String(), d.Rule+": ")
		if d.Kind != "" {
			detail += " [" + string(d.Kind) + "]"
		}
		line(d.Rule, "%s", detail)
	}

	fmt.Fprintln(w, th.section.Render("mounts"))
	for _, m := range p.Mounts {
		label := m.Label
		if label == "" {
			label = "mount"
		}
		line(label, "%s", m.String())
	}
	for _, m := range p.Dropped {
		fmt.Fprintf(w, "  %s %s\n", th.warn.Render(fmt.Sprintf("%-11s", "dropped")), th.value.Render(m.String()))
	}

	fmt.Fprintln(w, th.section.Render("security"))
	line("network", "%s (%s): %s", p.Network, p.Source("network"), networkPosture(p.Network))
	line("cap-drop", "%s", strings.Join(p.Security.CapDrop, ","))
	line("cap-add", "%s", strings.Join(p.Security.CapAdd, ","))
	line("options", "%s", strings.Join(p.Security.SecurityOpt, ","))
	if len(p.Security.Sysctls) > 0 {
		line("sysctls", "%s", strings.Join(p.Security.Sysctls, ","))
	}

	if len(p.Env) > 0 {
		fmt.Fprintln(w, th.section.Render("environment"))
		for _, spec := range p.Env {
			key, _, ok := strings.Cut(spec, "=")
			shown := redactEnvSpec(spec)
			if !ok {
				shown = key + " (passthrough)"
			}
			line(p.EnvSources[key], "%s", shown)
		}
	}

	fmt.Fprintln(w, th.section.Render("command"))
	line("exec", "%s", shellQuote(p.Command))
}

func networkPosture(mode NetworkMode) string {
	switch mode {
	case NetworkNone:
		return "no network interfaces besides loopback"
	case NetworkAllowlist:
		return "egress limited to allowlisted domains; NET_ADMIN and NET_RAW granted for firewall setup"
	default:
		return "unrestricted egress"
	}
}


package firewall

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Capability describes whether packet filtering can be configured here.
type Capability struct {
	Usable bool
	Reason string
	// IPv6 reports whether ip6tables answered too. IPv6Reason explains why
	// not when it did not.
	IPv6       bool
	IPv6Reason string
	// Paths maps each tool to the binary that will run it.
	Paths map[Tool]string
}

// lookPath and hasNetAdmin are swapped in tests.
var (
	lookPath    = exec.LookPath
	hasNetAdmin = hasNetAdminImpl
)

// Probe reports whether iptables and ipset are installed, the process holds
// CAP_NET_ADMIN, and the kernel answers a read of the OUTPUT chain. The same
// read is tried with ip6tables; its absence leaves the capability usable.
func Probe(ctx context.Context, cmd Commander) Capability {
	c := Capability{Paths: map[Tool]string{}}
	for _, tool := range []Tool{Iptables, Ipset} {
		p, err := findBinary(string(tool))
		if err != nil {
			c.Reason = err.Error()
			return c
		}
		c.Paths[tool] = p
	}
	ok, err := hasNetAdmin()
	if err != nil {
		c.Reason = fmt.Sprintf("read capabilities: %v", err)
		return c
	}
	if !ok {
		c.Reason = "CAP_NET_ADMIN not in effective set"
		return c
	}
	if out, err := cmd.Run(ctx, c.Paths[Iptables], "-w", "-S", "OUTPUT"); err != nil {
		c.Reason = fmt.Sprintf("iptables unusable: %v", err)
		if msg := strings.TrimSpace(string(out)); msg != "" {
			c.Reason += ": " + firstLine(msg)
		}
		return c
	}
	c.Usable = true

	p, err := findBinary(string(Ip6tables))
	if err != nil {
		c.IPv6Reason = err.Error()
		return c
	}
	if out, err := cmd.Run(ctx, p, "-w", "-S", "OUTPUT"); err != nil {
		c.IPv6Reason = fmt.Sprintf("ip6tables unusable: %v", err)
		if msg := strings.TrimSpace(string(out)); msg != "" {
			c.IPv6Reason += ": " + firstLine(msg)
		}
		return c
	}
	c.Paths[Ip6tables] = p
	c.IPv6 = true
	return c
}

// findBinary locates a tool by searching PATH first, then the sbin
// directories minimal images keep it in.
func findBinary(name string) (string, error) {
	if p, err := lookPath(name); err == nil {
		return p, nil
	}
	for _, dir := range []string{"/usr/sbin", "/sbin"} {
		c := filepath.Join(dir, name)
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
			return c, nil
		}
	}
	return "", fmt.Errorf("%s not found (checked PATH, /usr/sbin, /sbin)", name)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

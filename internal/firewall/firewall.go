// Package firewall installs the default-deny egress allowlist inside the
// container. Rules are built by Builder in a fixed order, resolved domains
// are loaded into an ipset, and everything else outbound is rejected. IPv6
// egress is rejected outright apart from loopback and DNS.
//
// When the filtering layer is unusable (no binaries, no CAP_NET_ADMIN) Apply
// degrades: nothing is installed, the ready marker is still written and the
// report says so.
package firewall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/strongdm/berth/internal/allowlist"
)

// DefaultReadyPath is written once the firewall is installed or has degraded.
const DefaultReadyPath = "/run/berth/firewall.ready"

// Commander runs one external command and returns its combined output.
type Commander interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecCommander runs commands with os/exec.
type ExecCommander struct{}

func (ExecCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// Resolver turns domains into prefixes. *allowlist.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, domains []string) (allowlist.Result, error)
}

// Report summarizes an Apply.
type Report struct {
	Degraded bool
	Reason   string
	DryRun   bool
	Verified bool
	// IPv6 reports whether the ip6tables leg was installed.
	IPv6  bool
	Rules int
	// Prefixes is the number of destinations loaded into the address set.
	Prefixes    int
	Unresolved  []string
	MetaErr     error
	HostNetwork netip.Prefix
	Elapsed     time.Duration
}

// Outcome is a short label for logs and metrics.
func (r Report) Outcome() string {
	switch {
	case r.DryRun:
		return "dry-run"
	case r.Degraded:
		return "degraded"
	default:
		return "enforced"
	}
}

// Firewall applies the allowlist.
type Firewall struct {
	Commander Commander
	Resolver  Resolver
	Domains   []string
	SetName   string
	ReadyPath string
	RouteFile string
	DryRun    bool
	Verify    bool
	// Out receives the rule listing in dry-run mode.
	Out    io.Writer
	Logger *log.Logger

	// Probe and Verifier default to the system implementations.
	Probe    func(context.Context, Commander) Capability
	Verifier func(context.Context) error
}

// Apply installs the rule program. Lookup failures shrink the allowlist
// but never fail the run. A command failure aborts with an error and leaves
// the ready marker unwritten.
func (f *Firewall) Apply(ctx context.Context) (Report, error) {
	start := time.Now()
	logger := f.logger()
	cmd := f.Commander
	if cmd == nil {
		cmd = ExecCommander{}
	}

	var rep Report
	paths := map[Tool]string{Iptables: string(Iptables), Ip6tables: string(Ip6tables), Ipset: string(Ipset)}
	b := NewBuilder(f.SetName)
	if f.DryRun {
		rep.DryRun = true
		b.WithIPv6()
	} else {
		probe := f.Probe
		if probe == nil {
			probe = Probe
		}
		c := probe(ctx, cmd)
		if !c.Usable {
			rep.Degraded = true
			rep.Reason = c.Reason
			logger.Printf("event=firewall.degraded reason=%q", c.Reason)
			if err := f.writeReady(rep); err != nil {
				return rep, err
			}
			rep.Elapsed = time.Since(start)
			return rep, nil
		}
		for tool, p := range c.Paths {
			paths[tool] = p
		}
		if c.IPv6 {
			b.WithIPv6()
		} else {
			logger.Printf("event=firewall.ipv6 status=skipped reason=%q", c.IPv6Reason)
		}
	}
	rep.IPv6 = b.IPv6()

	run := func(rules []Rule, err error) error {
		if err != nil {
			return err
		}
		for _, r := range rules {
			rep.Rules++
			if f.DryRun {
				fmt.Fprintln(f.out(), r.String())
				continue
			}
			out, err := cmd.Run(ctx, paths[r.Tool], r.Args...)
			if err != nil {
				if r.IgnoreError {
					continue
				}
				return fmt.Errorf("firewall %s: %s: %w: %s", r.Step, r, err, firstLine(string(bytes.TrimSpace(out))))
			}
		}
		return nil
	}

	if err := run(b.Reset()); err != nil {
		return rep, err
	}
	if err := run(b.Baseline()); err != nil {
		return rep, err
	}

	resolver := f.Resolver
	if resolver == nil {
		resolver = allowlist.New(logger)
	}
	domains := f.Domains
	if len(domains) == 0 {
		domains = allowlist.Domains()
	}
	res, err := resolver.Resolve(ctx, domains)
	if err != nil {
		return rep, fmt.Errorf("resolve allowlist: %w", err)
	}
	rep.Prefixes = len(res.Prefixes)
	rep.Unresolved = res.Failed()
	rep.MetaErr = res.MetaErr

	if err := run(b.AddressSet(res.Prefixes)); err != nil {
		return rep, err
	}
	routeFile := f.RouteFile
	if routeFile == "" {
		routeFile = DefaultRouteFile
	}
	subnet, ok, err := HostNetworkFromFile(routeFile)
	switch {
	case err != nil:
		logger.Printf("event=firewall.host-network status=failed error=%q", err)
	case !ok:
		logger.Printf("event=firewall.host-network status=no-default-route")
	default:
		rep.HostNetwork = subnet
	}
	for _, step := range []func() ([]Rule, error){
		func() ([]Rule, error) { return b.HostNetwork(rep.HostNetwork) },
		b.DefaultDeny,
		b.Established,
		b.AllowSet,
		b.RejectRest,
	} {
		if err := run(step()); err != nil {
			return rep, err
		}
	}

	if f.DryRun {
		rep.Elapsed = time.Since(start)
		return rep, nil
	}

	if f.Verify {
		verify := f.Verifier
		if verify == nil {
			verify = VerifyHTTPS
		}
		if err := verify(ctx); err != nil {
			return rep, fmt.Errorf("verify firewall: %w", err)
		}
		rep.Verified = true
	}

	if err := f.writeReady(rep); err != nil {
		return rep, err
	}
	rep.Elapsed = time.Since(start)
	logger.Printf("event=firewall.applied rules=%d prefixes=%d unresolved=%d host_network=%s ipv6=%t verified=%t",
		rep.Rules, rep.Prefixes, len(rep.Unresolved), hostNetworkLabel(rep.HostNetwork), rep.IPv6, rep.Verified)
	return rep, nil
}

func hostNetworkLabel(p netip.Prefix) string {
	if !p.IsValid() {
		return "none"
	}
	return p.String()
}

// WaitReady polls for the ready marker until it appears or timeout elapses.
func WaitReady(ctx context.Context, path string, timeout time.Duration) error {
	if path == "" {
		path = DefaultReadyPath
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("check firewall marker: %w", err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("firewall marker %s not observed within %s", path, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Firewall) writeReady(rep Report) error {
	path := f.ReadyPath
	if path == "" {
		path = DefaultReadyPath
	}
	host, _ := os.Hostname()
	payload := map[string]any{
		"pid":       os.Getpid(),
		"hostname":  host,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"status":    rep.Outcome(),
		"rules":     rep.Rules,
		"prefixes":  rep.Prefixes,
		"ipv6":      rep.IPv6,
	}
	if rep.Reason != "" {
		payload["reason"] = rep.Reason
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal firewall marker: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp marker: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write firewall marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close firewall marker: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod firewall marker: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit firewall marker: %w", err)
	}
	return nil
}

func (f *Firewall) logger() *log.Logger {
	if f.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return f.Logger
}

func (f *Firewall) out() io.Writer {
	if f.Out == nil {
		return os.Stdout
	}
	return f.Out
}

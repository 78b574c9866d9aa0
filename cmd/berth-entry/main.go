// Command berth-entry is the container entrypoint. It materializes the agent's
// home directory, waits for the egress firewall when one was requested, and
// execs the agent. The firewall subcommand is run as root by the launcher.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/strongdm/berth/internal/allowlist"
	"github.com/strongdm/berth/internal/envflag"
	"github.com/strongdm/berth/internal/firewall"
	"github.com/strongdm/berth/internal/homeboot"
	"github.com/strongdm/berth/internal/telemetry/otel"
)

const (
	firewallEnv        = "BERTH_FIREWALL"
	firewallTimeoutEnv = "BERTH_FIREWALL_TIMEOUT"
	commandB64Env      = "BERTH_ENTRY_COMMAND_B64"

	// defaultFirewallTimeout is the shortest marker wait. It grows with the
	// allowlist so it always outlasts the firewall subcommand's own deadline.
	defaultFirewallTimeout = 2 * time.Minute
	// ruleAllowance covers the iptables and ipset commands on top of the
	// resolver budget.
	ruleAllowance = 30 * time.Second
	// startAllowance covers the gap between the entrypoint starting and the
	// launcher's firewall exec.
	startAllowance = 30 * time.Second
)

var (
	execFunc  = syscall.Exec
	lookPath  = exec.LookPath
	readyPath = firewall.DefaultReadyPath

	newResolver = func(logger *log.Logger) *allowlist.Resolver { return allowlist.New(logger) }
	commander   firewall.Commander = firewall.ExecCommander{}
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "berth-entry: ", 0)

	provider, err := otel.Setup(context.Background(), otel.LoadConfigFromEnv())
	if err != nil {
		logger.Printf("warning: telemetry disabled: %v", err)
	}
	inst := provider.Instruments()
	shutdown := func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}

	if len(args) > 0 {
		switch args[0] {
		case "bootstrap":
			defer shutdown()
			return runBootstrap(args[1:], stderr, logger, inst)
		case "firewall":
			defer shutdown()
			return runFirewall(args[1:], stdout, stderr, logger, inst)
		}
	}
	return runEntry(args, stderr, logger, inst, shutdown)
}

type homeFlags struct {
	home     string
	template string
}

func (h *homeFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&h.home, "home", homeboot.DefaultHome, "agent home directory")
	fs.StringVar(&h.template, "template", homeboot.DefaultTemplate, "home template baked into the image")
}

func bootstrap(h homeFlags, logger *log.Logger, inst *otel.Instruments) error {
	ctx, end := inst.Span(context.Background(), "berth.home.bootstrap")
	m := homeboot.New(h.home, h.template, logger)
	m.Skip = homeboot.ParseSkip(os.Getenv(homeboot.SkipEnv))
	res, err := m.Run()
	end(err)
	inst.HomeBootstrap(ctx, res.State.String(), res.Copied)
	return err
}

func runBootstrap(args []string, stderr io.Writer, logger *log.Logger, inst *otel.Instruments) int {
	fs := pflag.NewFlagSet("berth-entry bootstrap", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var h homeFlags
	h.bind(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := bootstrap(h, logger, inst); err != nil {
		logger.Printf("error: %v", err)
		return 1
	}
	return 0
}

func runEntry(args []string, stderr io.Writer, logger *log.Logger, inst *otel.Instruments, shutdown func()) int {
	fs := pflag.NewFlagSet("berth-entry", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	var h homeFlags
	h.bind(fs)
	if err := fs.Parse(args); err != nil {
		shutdown()
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if err := bootstrap(h, logger, inst); err != nil {
		shutdown()
		logger.Printf("error: %v", err)
		return 1
	}

	if envflag.Enabled(firewallEnv) {
		timeout := firewallTimeout()
		logger.Printf("event=firewall.wait path=%s timeout=%s", readyPath, timeout)
		if err := firewall.WaitReady(context.Background(), readyPath, timeout); err != nil {
			logger.Printf("warning: %v; continuing without firewall confirmation", err)
		}
	}

	target := resolveTargetArgs(fs.Args())
	if len(target) == 0 {
		target = []string{"bash", "-l"}
	}
	execPath, err := lookPath(target[0])
	if err != nil {
		shutdown()
		logger.Printf("error: failed to find executable: %v", err)
		return 127
	}

	shutdown()
	if err := execFunc(execPath, target, os.Environ()); err != nil {
		logger.Printf("error: failed to exec: %v", err)
		return 126
	}
	return 0
}

func runFirewall(args []string, stdout, stderr io.Writer, logger *log.Logger, inst *otel.Instruments) int {
	fs := pflag.NewFlagSet("berth-entry firewall", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		dryRun bool
		verify bool
		noMeta bool
		extra  []string
	)
	fs.BoolVar(&dryRun, "dry-run", false, "print the rules without installing them")
	fs.BoolVar(&verify, "verify", false, "probe a blocked and an allowed host after installing")
	fs.BoolVar(&noMeta, "no-github-meta", false, "skip the GitHub meta address ranges")
	fs.StringArrayVar(&extra, "extra-domain", nil, "additional domain to allow (repeatable)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	extra = append(allowlist.ParseExtra(os.Getenv(allowlist.ExtraEnv)), extra...)
	resolver := newResolver(logger)
	resolver.FetchGitHubMeta = !noMeta

	domains := allowlist.Merge(logger, extra...)
	ctx := context.Background()
	if budget := resolver.Budget(len(domains)); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget+ruleAllowance)
		defer cancel()
	}

	fw := &firewall.Firewall{
		Commander: commander,
		Resolver:  resolver,
		Domains:   domains,
		ReadyPath: readyPath,
		DryRun:    dryRun,
		Verify:    verify,
		Out:       stdout,
		Logger:    logger,
	}

	ctx, end := inst.Span(ctx, "berth.firewall.apply")
	rep, err := fw.Apply(ctx)
	end(err)
	if len(rep.Unresolved) > 0 {
		inst.Unresolved(ctx, len(rep.Unresolved))
	}
	if err != nil {
		inst.FirewallResult(ctx, "failed")
		logger.Printf("error: %v", err)
		return 1
	}
	inst.FirewallResult(ctx, rep.Outcome())
	logger.Printf("event=firewall.done outcome=%s rules=%d prefixes=%d unresolved=%d elapsed=%s",
		rep.Outcome(), rep.Rules, rep.Prefixes, len(rep.Unresolved), rep.Elapsed.Round(time.Millisecond))
	return 0
}

func resolveTargetArgs(fallback []string) []string {
	if raw := strings.TrimSpace(os.Getenv(commandB64Env)); raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err == nil {
			var parts []string
			if json.Unmarshal(decoded, &parts) == nil && len(parts) > 0 {
				return parts
			}
		}
	}
	return fallback
}

// firewallTimeout is the marker wait: $BERTH_FIREWALL_TIMEOUT when valid,
// otherwise the firewall subcommand's deadline for the configured allowlist.
func firewallTimeout() time.Duration {
	defaultTimeout := defaultFirewallTimeout
	domains := allowlist.Domains(allowlist.ParseExtra(os.Getenv(allowlist.ExtraEnv))...)
	if d := newResolver(nil).Budget(len(domains)) + ruleAllowance + startAllowance; d > defaultTimeout {
		defaultTimeout = d
	}
	raw := strings.TrimSpace(os.Getenv(firewallTimeoutEnv))
	if raw == "" {
		return defaultTimeout
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultTimeout
}

package runner

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"go.opentelemetry.io/otel/attribute"

	"github.com/strongdm/berth/internal/mounts"
	"github.com/strongdm/berth/internal/telemetry/otel"
)

// ensureDir is swapped in tests to simulate unwritable host paths.
var ensureDir = os.MkdirAll

// Launcher drives one launch against a container runtime.
type Launcher struct {
	Resolver *Resolver
	Runtime  Runtime
	// Out receives the audit and reattach notices.
	Out     io.Writer
	Logger  *log.Logger
	Verbose bool
	// TTY allocates a pseudo-terminal for the agent.
	TTY bool
	// Color styles the audit.
	Color   bool
	Metrics *otel.Instruments
}

func (l *Launcher) debugf(format string, args ...any) {
	if l.Verbose && l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}

func (l *Launcher) warnf(format string, args ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}

// Launch validates opts, then either reattaches to a live container (with
// --resume) or starts a fresh one and attaches to it. The agent's non-zero
// exit status is returned as *ExitCodeError.
func (l *Launcher) Launch(ctx context.Context, opts Options) (err error) {
	ctx, end := l.Metrics.Span(ctx, "berth.launch")
	defer func() { end(err) }()

	t, err := l.Resolver.Identify(opts)
	if err != nil {
		l.Metrics.LaunchFailure(ctx, "config")
		return err
	}
	if checker, ok := l.Runtime.(interface{ Check() error }); ok {
		if err := checker.Check(); err != nil {
			l.Metrics.LaunchFailure(ctx, "runtime")
			return err
		}
	}

	if opts.Resume {
		running, err := l.Runtime.Running(ctx, t.Identity)
		if err != nil {
			l.Metrics.LaunchFailure(ctx, "runtime")
			return fmt.Errorf("inspect %s: %w", t.Identity, err)
		}
		if running {
			fmt.Fprintf(l.Out, "Reattaching to %s\n", t.Identity)
			return l.attach(ctx, t.Identity)
		}
		fmt.Fprintf(l.Out, "No running container %s; starting a new session\n", t.Identity)
	}

	plan, err := l.Resolver.Build(t, opts)
	if err != nil {
		l.Metrics.LaunchFailure(ctx, "config")
		return err
	}
	return l.Start(ctx, plan)
}

// Start executes a resolved plan: create host directories, print the audit,
// replace any stale container, run, apply the firewall when requested, and
// attach.
func (l *Launcher) Start(ctx context.Context, plan *Plan) error {
	plan.Mounts = l.ensureHostDirs(plan)
	for _, d := range plan.Decisions {
		l.Metrics.MountDecision(ctx, d.Rule, string(d.Mode))
	}
	WriteAudit(l.Out, plan, l.Color)

	if err := l.Runtime.Remove(ctx, plan.Identity); err != nil {
		l.Metrics.LaunchFailure(ctx, "runtime")
		return fmt.Errorf("remove stale container %s: %w", plan.Identity, err)
	}

	args := plan.RunArgs(l.TTY)
	l.debugf("docker %s", shellQuote(plan.Redacted().RunArgs(l.TTY)))
	id, err := l.Runtime.Create(ctx, args)
	if err != nil {
		l.Metrics.LaunchFailure(ctx, "runtime")
		return fmt.Errorf("start container %s: %w", plan.Identity, err)
	}
	l.debugf("container %s started as %s", plan.Identity, id)

	if plan.Network == NetworkAllowlist {
		fwCtx, end := l.Metrics.Span(ctx, "berth.firewall", attribute.String("container", plan.Identity))
		err := l.Runtime.Exec(fwCtx, id, EntryBinary, "firewall")
		end(err)
		if err != nil {
			l.Metrics.LaunchFailure(ctx, "firewall")
			if rmErr := l.Runtime.Remove(cleanupContext(ctx), id); rmErr != nil {
				l.debugf("failed to remove container %s: %v", id, rmErr)
			}
			return fmt.Errorf("apply firewall in %s: %w", plan.Identity, err)
		}
	}

	return l.attach(ctx, id)
}

func (l *Launcher) attach(ctx context.Context, name string) error {
	code, err := l.Runtime.Attach(ctx, name)
	if err != nil {
		l.Metrics.LaunchFailure(ctx, "attach")
		return fmt.Errorf("attach %s: %w", name, err)
	}
	if code != 0 {
		return &ExitCodeError{code: code}
	}
	return nil
}

// ensureHostDirs creates missing host directories for mounts that carry the
// create flag. A directory that cannot be created drops its mount.
func (l *Launcher) ensureHostDirs(plan *Plan) []mounts.Spec {
	kept := plan.Mounts[:0:0]
	for _, m := range plan.Mounts {
		if m.Create {
			if err := ensureDir(m.Host, 0o700); err != nil {
				l.warnf("warning: cannot create %s (%v); not mounting %s", m.Host, err, m.Container)
				plan.Dropped = append(plan.Dropped, m)
				continue
			}
		}
		kept = append(kept, m)
	}
	return kept
}

// RunArgs renders the plan as docker run arguments.
func (p *Plan) RunArgs(tty bool) []string {
	args := []string{"run", "-d", "-i"}
	if tty {
		args = append(args, "-t")
	}
	args = append(args,
		"--name", p.Identity,
		"--hostname", p.Project,
		"--workdir", p.Workdir,
		"--label", "berth.project="+p.ProjectDir,
		"--label", "berth.session="+p.SessionID,
	)
	if p.Namespace != "" {
		args = append(args, "--label", "berth.namespace="+p.Namespace)
	}
	for _, c := range p.Security.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	for _, c := range p.Security.CapAdd {
		args = append(args, "--cap-add", c)
	}
	for _, o := range p.Security.SecurityOpt {
		args = append(args, "--security-opt", o)
	}
	if p.Security.Network != "" {
		args = append(args, "--network", p.Security.Network)
	}
	for _, s := range p.Security.Sysctls {
		args = append(args, "--sysctl", s)
	}
	for _, m := range p.Mounts {
		args = append(args, "-v", m.DockerArg())
	}
	for _, spec := range p.Env {
		args = append(args, "-e", spec)
	}
	args = append(args, "--entrypoint", EntryBinary, p.Image, "--")
	return append(args, p.Command...)
}

func cleanupContext(ctx context.Context) context.Context {
	if ctx == nil || ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/strongdm/berth/internal/configstore"
	"github.com/strongdm/berth/internal/runner"
	"github.com/strongdm/berth/internal/telemetry/otel"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// launchFunc starts a session; swapped in tests.
var launchFunc = runner.Run

func main() {
	runner.SetVersion(version)
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	var exitErr *runner.ExitCodeError
	if !errors.As(err, &exitErr) {
		fmt.Fprintf(stderr, "berth: %v\n", err)
	}
	return runner.ExitCode(err)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts runner.Options
	root := &cobra.Command{
		Use:   "berth [flags] <project> [-- agent args...]",
		Short: "Run an AI coding agent in a sandboxed container",
		Long: "berth launches claude, codex or a shell in a hardened container with the\n" +
			"project mounted at its host path and only the credentials the agent needs.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return launch(cmd, &opts, args)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &runner.ConfigError{Field: "flags", Err: err}
	})
	opts.BindFlags(root.Flags())

	root.AddCommand(newRunCmd(), newPlanCmd(), newVersionCmd(), newConfigCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var opts runner.Options
	cmd := &cobra.Command{
		Use:   "run [flags] <project> [-- agent args...]",
		Short: "Launch an agent container (the default command)",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return launch(cmd, &opts, args)
		},
	}
	opts.BindFlags(cmd.Flags())
	return cmd
}

func launch(cmd *cobra.Command, opts *runner.Options, args []string) error {
	opts.SetPositional(args, cmd.ArgsLenAtDash())
	return withTelemetry(cmd, opts.Verbose, func(inst *otel.Instruments) error {
		return launchFunc(*opts, inst)
	})
}

func newPlanCmd() *cobra.Command {
	var (
		opts   runner.Options
		format string
	)
	cmd := &cobra.Command{
		Use:   "plan [flags] <project> [-- agent args...]",
		Short: "Print the resolved launch plan without starting a container",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SetPositional(args, cmd.ArgsLenAtDash())
			res, err := runner.NewResolver()
			if err != nil {
				return err
			}
			plan, err := res.Resolve(opts)
			if err != nil {
				return err
			}
			return runner.WritePlan(cmd.OutOrStdout(), plan, format)
		},
	}
	opts.BindFlags(cmd.Flags())
	cmd.Flags().StringVar(&format, "format", "yaml", "output format (yaml|json)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			shortHash := commit
			if len(shortHash) > 7 {
				shortHash = shortHash[:7]
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version: %s\n", runner.Version())
			fmt.Fprintf(out, "git hash: %s\n", shortHash)
			fmt.Fprintf(out, "build date: %s\n", buildDate)
		},
	}
}

func newConfigCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change persisted settings",
	}
	cmd.PersistentFlags().StringVar(&project, "project", "", "apply to this project directory instead of globally")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings for a project (default: global)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configstore.Load()
			if err != nil {
				return &runner.ConfigError{Field: "config", Err: err}
			}
			eff, err := cfg.Effective(project)
			if err != nil {
				return &runner.ConfigError{Field: "project", Err: err}
			}
			writeEffective(cmd.OutOrStdout(), eff)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set agent, namespace, image, network, isolation or env.<NAME>",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return updateConfig(func(cfg *configstore.Config) error {
				return cfg.Set(project, args[0], args[1])
			})
		},
	}

	unset := &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a persisted setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return updateConfig(func(cfg *configstore.Config) error {
				return cfg.Unset(project, args[0])
			})
		},
	}

	cmd.AddCommand(show, set, unset)
	return cmd
}

func updateConfig(fn func(*configstore.Config) error) error {
	cfg, err := configstore.Load()
	if err != nil {
		return &runner.ConfigError{Field: "config", Err: err}
	}
	if err := fn(&cfg); err != nil {
		return &runner.ConfigError{Field: "config", Err: err}
	}
	return configstore.Save(cfg)
}

func writeEffective(w io.Writer, eff configstore.Effective) {
	scalar := func(key string, v configstore.Value) {
		if !v.Set() {
			fmt.Fprintf(w, "%-10s (unset)\n", key)
			return
		}
		fmt.Fprintf(w, "%-10s %s (%s)\n", key, v.Value, v.Scope)
	}
	scalar(configstore.KeyAgent, eff.Agent)
	scalar(configstore.KeyNamespace, eff.Namespace)
	scalar(configstore.KeyImage, eff.Image)
	scalar(configstore.KeyNetwork, eff.Network)
	scalar(configstore.KeyIsolation, eff.Isolation)
	for _, v := range eff.ProjectVolumes {
		fmt.Fprintf(w, "%-10s %s (project)\n", "volume", v)
	}
	for _, v := range eff.GlobalVolumes {
		fmt.Fprintf(w, "%-10s %s (global)\n", "volume", v)
	}
	if len(eff.ExtraDomains) > 0 {
		fmt.Fprintf(w, "%-10s %s\n", "domains", strings.Join(eff.ExtraDomains, ","))
	}
	merged := configstore.MergeEnvLayers(eff.EnvLayers()...)
	sources := configstore.EnvProvenance(eff.EnvLayers()...)
	sort.Strings(merged)
	for _, spec := range merged {
		key, _, _ := strings.Cut(spec, "=")
		fmt.Fprintf(w, "env.%s (%s)\n", spec, sources[key])
	}
}

// withTelemetry sets up OTEL from the environment around fn. Telemetry
// failures never block a launch.
func withTelemetry(cmd *cobra.Command, verbose bool, fn func(*otel.Instruments) error) error {
	logger := log.New(cmd.ErrOrStderr(), "", 0)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	provider, err := otel.Setup(ctx, otel.LoadConfigFromEnv())
	if err != nil {
		logger.Printf("warning: telemetry disabled: %v", err)
		return fn(nil)
	}
	defer func() {
		if verbose {
			if rm, err := provider.Collect(context.Background()); err == nil {
				for _, sm := range rm.ScopeMetrics {
					for _, m := range sm.Metrics {
						logger.Printf("event=otel.metric name=%s", m.Name)
					}
				}
			}
		}
		if err := provider.Shutdown(context.Background()); err != nil && verbose {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()
	return fn(provider.Instruments())
}

// Package runner resolves a berth launch into a concrete container plan and
// drives the docker CLI to start, firewall and attach to the agent container.
package runner

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/term"

	"github.com/strongdm/berth/internal/configstore"
	"github.com/strongdm/berth/internal/credentials"
	"github.com/strongdm/berth/internal/telemetry/otel"
)

// NewResolver loads the berth config and host locations for a launch.
func NewResolver() (*Resolver, error) {
	cfg, err := configstore.Load()
	if err != nil {
		return nil, &ConfigError{Field: "config", Err: err}
	}
	home, err := configstore.ResolveHomeDir()
	if err != nil {
		return nil, err
	}
	dataRoot, err := configstore.DataRoot()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		Config:   cfg,
		DataRoot: dataRoot,
		Host:     credentials.HostEnv{Home: home},
	}, nil
}

// Run is the berth launch command: it resolves opts, prints the audit and
// runs the agent container until it exits. The first interrupt cancels the
// launch; a second one exits immediately.
func Run(opts Options, metrics *otel.Instruments) error {
	res, err := NewResolver()
	if err != nil {
		return err
	}
	l := &Launcher{
		Resolver: res,
		Runtime:  NewDocker(),
		Out:      os.Stderr,
		Logger:   log.New(os.Stderr, "", 0),
		Verbose:  opts.Verbose,
		TTY:      isTerminal(os.Stdin) && isTerminal(os.Stdout),
		Color:    isTerminal(os.Stderr),
		Metrics:  metrics,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	var interrupted int32
	go func() {
		for range sigCh {
			if atomic.CompareAndSwapInt32(&interrupted, 0, 1) {
				cancel()
				continue
			}
			os.Exit(1)
		}
	}()

	if err := l.Launch(ctx, opts); err != nil {
		if errors.Is(err, context.Canceled) && atomic.LoadInt32(&interrupted) == 1 {
			return &ExitCodeError{code: 130}
		}
		return err
	}
	return nil
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

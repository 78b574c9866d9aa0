package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Runtime is the subset of the container runtime a launch needs.
type Runtime interface {
	// Running reports whether a container with the given name is running.
	// A missing container is not an error.
	Running(ctx context.Context, name string) (bool, error)
	// Remove force-removes the named container. A missing container is not
	// an error.
	Remove(ctx context.Context, name string) error
	// Create starts a detached container from docker run arguments and
	// returns its id.
	Create(ctx context.Context, args []string) (string, error)
	// Exec runs a command as root in the running container.
	Exec(ctx context.Context, name string, command ...string) error
	// Attach connects the terminal to the container and returns the exit
	// status of its main process.
	Attach(ctx context.Context, name string) (int, error)
}

var runCommand = runCommandImpl
var commandOutput = commandOutputImpl
var attachCommand = attachCommandImpl

func runCommandImpl(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func commandOutputImpl(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// attachCommandImpl wires the caller's terminal to the command and returns
// the command's exit status. Only failures to start are errors.
func attachCommandImpl(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// Docker implements Runtime with the docker CLI.
type Docker struct {
	Binary string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewDocker returns a runtime bound to the process's standard streams.
func NewDocker() *Docker {
	return &Docker{Binary: "docker", Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

func (d *Docker) bin() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

// Check fails when the docker binary is not on PATH.
func (d *Docker) Check() error {
	return ensureCommand(d.bin())
}

func (d *Docker) Running(ctx context.Context, name string) (bool, error) {
	out, err := commandOutput(ctx, d.bin(), "inspect", "-f", "{{.State.Running}}", name)
	if err != nil {
		if isNoSuchObject(err) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	if _, err := commandOutput(ctx, d.bin(), "rm", "-f", name); err != nil {
		if isNoSuchObject(err) {
			return nil
		}
		return err
	}
	return nil
}

func (d *Docker) Create(ctx context.Context, args []string) (string, error) {
	out, err := commandOutput(ctx, d.bin(), args...)
	if err != nil {
		return "", err
	}
	lines := strings.Fields(strings.TrimSpace(out))
	if len(lines) == 0 {
		return "", fmt.Errorf("docker run returned no container id")
	}
	return lines[len(lines)-1], nil
}

func (d *Docker) Exec(ctx context.Context, name string, command ...string) error {
	args := append([]string{"exec", "-u", "root", name}, command...)
	return runCommand(ctx, d.bin(), args...)
}

// Attach returns the container's own exit code once it has stopped, since
// docker attach fails outright when the container exited before it
// connected.
func (d *Docker) Attach(ctx context.Context, name string) (int, error) {
	code, err := attachCommand(ctx, d.Stdin, d.Stdout, d.Stderr, d.bin(), "attach", name)
	if err != nil {
		return 0, err
	}
	out, err := commandOutput(cleanupContext(ctx), d.bin(), "inspect", "-f", "{{.State.Running}} {{.State.ExitCode}}", name)
	if err != nil {
		return code, nil
	}
	if fields := strings.Fields(out); len(fields) == 2 && fields[0] == "false" {
		if exit, convErr := strconv.Atoi(fields[1]); convErr == nil {
			return exit, nil
		}
	}
	return code, nil
}

func isNoSuchObject(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No such object") || strings.Contains(msg, "No such container")
}

func ensureCommand(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("required command %q not found in PATH", name)
	}
	return nil
}

//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strongdm/berth/internal/envflag"
)

const (
	readinessTimeout      = 20 * time.Second
	readinessPollInterval = 100 * time.Millisecond
)

var (
	buildOnce   sync.Once
	berthBinary string
	buildErr    error

	errReadinessTimeout = errors.New("readiness timeout")
)

func skipUnlessE2E(t *testing.T) {
	t.Helper()
	if !envflag.Enabled("BERTH_E2E") {
		t.Skip("set BERTH_E2E=1 to run end-to-end tests")
	}
}

// requireDocker skips unless a daemon answers and the agent image is present.
// BERTH_IMAGE selects the image under test.
func requireDocker(t *testing.T) string {
	t.Helper()
	skipUnlessE2E(t)
	cmd := exec.Command("docker", "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		t.Skipf("skipping: docker not available: %v", err)
	}
	image := strings.TrimSpace(os.Getenv("BERTH_IMAGE"))
	if image == "" {
		image = "ghcr.io/strongdm/berth:latest"
	}
	if err := exec.Command("docker", "image", "inspect", image).Run(); err != nil {
		t.Skipf("skipping: image %s not present locally", image)
	}
	return image
}

func ensureBerthBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		root, err := moduleRoot()
		if err != nil {
			buildErr = err
			return
		}
		out := filepath.Join(os.TempDir(), fmt.Sprintf("berth-e2e-%d", time.Now().UnixNano()))
		cmd := exec.Command("go", "build", "-o", out, "./cmd/berth")
		cmd.Dir = root
		cmd.Env = append(os.Environ(), "GOFLAGS=-vet=off")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			buildErr = fmt.Errorf("build berth binary: %w\n%s", err, stderr.String())
			return
		}
		berthBinary = out
	})
	if buildErr != nil {
		t.Fatalf("failed to build berth binary: %v", buildErr)
	}
	return berthBinary
}

func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}
	for {
		if _, statErr := os.Stat(filepath.Join(dir, "go.mod")); statErr == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not locate module root containing go.mod (start=%s)", dir)
		}
		dir = parent
	}
}

// host is an isolated HOME plus berth config and data roots.
type host struct {
	root    string
	home    string
	project string
	env     []string
}

func newHost(t *testing.T, image string) host {
	t.Helper()
	root := t.TempDir()
	h := host{
		root:    root,
		home:    filepath.Join(root, "home"),
		project: filepath.Join(root, "work", "demo"),
	}
	for _, dir := range []string{h.home, h.project} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	h.env = append(os.Environ(),
		"HOME="+h.home,
		"BERTH_HOME="+filepath.Join(root, "config"),
		"BERTH_DATA_DIR="+filepath.Join(root, "data"),
		"BERTH_IMAGE="+image,
		"BERTH_OTEL_METRICS=",
		"BERTH_OTEL_TRACES=",
	)
	return h
}

type result struct {
	code   int
	stdout string
	stderr string
}

func (h host) berth(t *testing.T, ctx context.Context, args ...string) result {
	t.Helper()
	cmd := exec.CommandContext(ctx, ensureBerthBinary(t), args...)
	cmd.Env = h.env
	cmd.Dir = h.project
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := result{stdout: stdout.String(), stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.code = exitErr.ExitCode()
	default:
		t.Fatalf("run berth %v: %v", args, err)
	}
	return res
}

func containerRunning(name string) bool {
	out, err := exec.Command("docker", "inspect", "-f", "{{.State.Running}}", name).Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func removeContainer(name string) {
	_ = exec.Command("docker", "rm", "-f", name).Run()
}

func waitFor(t *testing.T, resource string, check func() bool) {
	t.Helper()
	if err := pollReadiness(context.Background(), readinessTimeout, check); err != nil {
		t.Fatalf("timed out waiting for %s after %s", resource, readinessTimeout)
	}
}

func pollReadiness(ctx context.Context, timeout time.Duration, check func() bool) error {
	timer := time.NewTimer(timeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer timer.Stop()
	defer ticker.Stop()
	for {
		if check() {
			return nil
		}
		select {
		case <-timer.C:
			return errReadinessTimeout
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Package homeboot materializes a persistent home directory from an image
// template exactly once. A marker file inside the home is the only record of
// completion: when it exists nothing is copied, and it is written only after a
// full copy succeeds.
//
// Two containers starting against the same unmarked volume may both copy.
// Copying never overwrites existing entries, so the race costs duplicate work
// but does not clobber files.
//
// Bind mounts under the home (credential directories) are never written:
// paths listed in Machine.Skip are left alone, as is any existing directory
// that lives on a different device than the home itself.
package homeboot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

const (
	DefaultHome     = "/home/agent"
	DefaultTemplate = "/opt/berth/home-template"
	MarkerName      = ".berth-home-initialized"

	// SkipEnv carries home-relative mount targets, separated by the OS list
	// separator, that the copy must not enter.
	SkipEnv = "BERTH_HOME_SKIP"
)

// State is a bootstrap state.
type State int

const (
	Uninitialized State = iota
	Copying
	Initialized
	// Skipped means no template was available; nothing happened.
	Skipped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Copying:
		return "copying"
	case Initialized:
		return "initialized"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result summarizes a run.
type Result struct {
	State  State
	Files  int
	Bytes  int64
	Copied bool
}

// Machine bootstraps Home from Template.
type Machine struct {
	Home     string
	Template string
	// Skip lists home-relative paths that are mounted from elsewhere.
	Skip   []string
	Logger *log.Logger

	state State
}

// copyFile is swapped in tests to simulate I/O failures.
var copyFile = copyFileImpl

// deviceOf reports the device an entry lives on. Tests swap it to fake a
// mount point.
var deviceOf = func(path string, info fs.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Dev), true
}

// ParseSkip splits a SkipEnv value into clean home-relative paths. Absolute
// entries, entries escaping the home and blanks are dropped.
func ParseSkip(value string) []string {
	var out []string
	for _, p := range filepath.SplitList(value) {
		p = filepath.Clean(strings.TrimSpace(p))
		if p == "." || p == "" || filepath.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// New returns a machine for the given directories, substituting defaults for
// empty values.
func New(home, template string, logger *log.Logger) *Machine {
	if home == "" {
		home = DefaultHome
	}
	if template == "" {
		template = DefaultTemplate
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Machine{Home: home, Template: template, Logger: logger}
}

// State reports the machine's current state.
func (m *Machine) State() State {
	return m.state
}

// MarkerPath returns the location of the completion marker.
func (m *Machine) MarkerPath() string {
	return filepath.Join(m.Home, MarkerName)
}

// Run drives the machine to a terminal state. Errors leave the marker absent
// so the next start retries the copy.
func (m *Machine) Run() (Result, error) {
	m.state = Uninitialized

	marked, err := m.marked()
	if err != nil {
		return Result{State: m.state}, err
	}
	if marked {
		m.state = Initialized
		m.Logger.Printf("event=home.bootstrap state=%s reason=marker-present", m.state)
		return Result{State: m.state}, nil
	}

	info, err := os.Stat(m.Template)
	if err != nil || !info.IsDir() {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Result{State: m.state}, fmt.Errorf("stat home template %s: %w", m.Template, err)
		}
		m.state = Skipped
		m.Logger.Printf("event=home.bootstrap state=%s reason=no-template template=%s", m.state, m.Template)
		return Result{State: m.state}, nil
	}

	m.state = Copying
	m.Logger.Printf("event=home.bootstrap state=%s template=%s home=%s", m.state, m.Template, m.Home)
	if err := os.MkdirAll(m.Home, 0o755); err != nil {
		return Result{State: m.state}, fmt.Errorf("create home %s: %w", m.Home, err)
	}
	stats, err := m.copyTree(m.Template, m.Home)
	if err != nil {
		return Result{State: m.state, Files: stats.files, Bytes: stats.bytes}, fmt.Errorf("copy home template: %w", err)
	}
	if err := writeMarker(m.MarkerPath(), stats); err != nil {
		return Result{State: m.state, Files: stats.files, Bytes: stats.bytes}, fmt.Errorf("write bootstrap marker: %w", err)
	}

	m.state = Initialized
	m.Logger.Printf("event=home.bootstrap state=%s files=%d size=%s", m.state, stats.files, humanize.Bytes(uint64(stats.bytes)))
	return Result{State: m.state, Files: stats.files, Bytes: stats.bytes, Copied: true}, nil
}

func (m *Machine) marked() (bool, error) {
	_, err := os.Lstat(m.MarkerPath())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("check bootstrap marker: %w", err)
	}
}

type copyStats struct {
	files int
	bytes int64
}

func (m *Machine) skipped(rel string) bool {
	for _, s := range m.Skip {
		if rel == s || strings.HasPrefix(rel, s+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (m *Machine) copyTree(src, dst string) (copyStats, error) {
	var stats copyStats
	var dirs []string
	root, err := os.Lstat(dst)
	if err != nil {
		return stats, err
	}
	rootDev, rootDevOK := deviceOf(dst, root)

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		if rel == "." || rel == MarkerName {
			return nil
		}
		if m.skipped(rel) {
			m.Logger.Printf("event=home.bootstrap status=skip path=%s reason=mounted", rel)
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		// Never replace what is already in the volume; existing directories
		// are still descended into so missing children get filled in, unless
		// they are mount points.
		if existing, err := os.Lstat(target); err == nil {
			if d.IsDir() && !existing.IsDir() {
				return fs.SkipDir
			}
			if d.IsDir() && rootDevOK {
				if dev, ok := deviceOf(target, existing); ok && dev != rootDev {
					m.Logger.Printf("event=home.bootstrap status=skip path=%s reason=mount-point", rel)
					return fs.SkipDir
				}
			}
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(target, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
			dirs = append(dirs, rel)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("symlink %s: %w", target, err)
			}
			preserveOwner(info, target)
		case info.Mode().IsRegular():
			n, err := copyFile(p, target, info)
			if err != nil {
				return fmt.Errorf("copy %s: %w", rel, err)
			}
			stats.files++
			stats.bytes += n
		default:
			// Sockets, devices and fifos have no place in a home template.
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	// Directory attributes last, deepest first, so child writes do not bump mtimes.
	for i := len(dirs) - 1; i >= 0; i-- {
		rel := dirs[i]
		info, err := os.Lstat(filepath.Join(src, rel))
		if err != nil {
			return stats, err
		}
		target := filepath.Join(dst, rel)
		if err := os.Chmod(target, info.Mode().Perm()); err != nil {
			return stats, fmt.Errorf("chmod %s: %w", target, err)
		}
		preserveOwner(info, target)
		_ = os.Chtimes(target, info.ModTime(), info.ModTime())
	}
	return stats, nil
}

func copyFileImpl(src, dst string, info fs.FileInfo) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return n, err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return n, err
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return n, err
	}
	preserveOwner(info, dst)
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return n, err
	}
	return n, nil
}

// preserveOwner copies uid/gid when permitted. Unprivileged runs keep the
// caller's ownership.
func preserveOwner(info fs.FileInfo, target string) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	_ = unix.Lchown(target, int(st.Uid), int(st.Gid))
}

func writeMarker(path string, stats copyStats) error {
	host, _ := os.Hostname()
	payload := map[string]any{
		"pid":       os.Getpid(),
		"hostname":  host,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"files":     stats.files,
		"bytes":     stats.bytes,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal marker payload: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, MarkerName+".*")
	if err != nil {
		return fmt.Errorf("create temp marker: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit marker: %w", err)
	}
	return nil
}

package homeboot

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var copyOverrideMu sync.Mutex

func writeTemplate(t *testing.T) string {
	t.Helper()
	tmpl := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tmpl, ".config", "tool"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpl, ".bashrc"), []byte("export PS1='$ '\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpl, ".config", "tool", "settings.json"), []byte(`{"a":1}`), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(tmpl, ".local", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpl, ".local", "bin", "helper"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink(".bashrc", filepath.Join(tmpl, ".profile")))
	old := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(tmpl, ".bashrc"), old, old))
	return tmpl
}

// snapshot maps relative paths to content (files), link targets, or "dir".
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, _ := filepath.Rel(root, p)
		if rel == "." || rel == MarkerName {
			return nil
		}
		info, _ := d.Info()
		switch {
		case d.IsDir():
			out[rel] = "dir"
		case info.Mode()&fs.ModeSymlink != 0:
			link, _ := os.Readlink(p)
			out[rel] = "link:" + link
		default:
			data, _ := os.ReadFile(p)
			out[rel] = string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestRunCopiesTemplateAndWritesMarker(t *testing.T) {
	tmpl := writeTemplate(t)
	home := filepath.Join(t.TempDir(), "home")

	m := New(home, tmpl, nil)
	res, err := m.Run()
	require.NoError(t, err)
	require.Equal(t, Initialized, res.State)
	require.True(t, res.Copied)
	require.Equal(t, 3, res.Files)
	require.Equal(t, Initialized, m.State())

	require.FileExists(t, m.MarkerPath())
	require.Equal(t, snapshot(t, tmpl), snapshot(t, home))

	info, err := os.Stat(filepath.Join(home, ".local", "bin", "helper"))
	require.NoError(t, err)
	require.Equal(t, fs.FileMode(0o755), info.Mode().Perm())

	src, err := os.Stat(filepath.Join(tmpl, ".bashrc"))
	require.NoError(t, err)
	dst, err := os.Stat(filepath.Join(home, ".bashrc"))
	require.NoError(t, err)
	require.True(t, src.ModTime().Equal(dst.ModTime()))
}

func TestRunIsIdempotent(t *testing.T) {
	tmpl := writeTemplate(t)
	home := t.TempDir()

	first, err := New(home, tmpl, nil).Run()
	require.NoError(t, err)
	require.True(t, first.Copied)
	afterFirst := snapshot(t, home)

	// User installs a tool and edits a templated file between restarts.
	require.NoError(t, os.WriteFile(filepath.Join(home, ".local", "bin", "mytool"), []byte("mine"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".bashrc"), []byte("edited"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(home, ".config", "tool", "settings.json")))

	second, err := New(home, tmpl, nil).Run()
	require.NoError(t, err)
	require.Equal(t, Initialized, second.State)
	require.False(t, second.Copied)

	got := snapshot(t, home)
	require.Equal(t, "mine", got[filepath.Join(".local", "bin", "mytool")])
	require.Equal(t, "edited", got[".bashrc"])
	_, restored := got[filepath.Join(".config", "tool", "settings.json")]
	require.False(t, restored, "marked home must not be re-copied")
	require.NotEqual(t, afterFirst, got)

	third, err := New(home, tmpl, nil).Run()
	require.NoError(t, err)
	require.False(t, third.Copied)
	require.Equal(t, got, snapshot(t, home))
}

func TestRunWithoutTemplateIsNoop(t *testing.T) {
	home := t.TempDir()
	res, err := New(home, filepath.Join(t.TempDir(), "missing"), nil).Run()
	require.NoError(t, err)
	require.Equal(t, Skipped, res.State)
	_, err = os.Stat(filepath.Join(home, MarkerName))
	require.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestRunDoesNotClobberUnmarkedHome(t *testing.T) {
	tmpl := writeTemplate(t)
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, ".bashrc"), []byte("preinstalled"), 0o644))

	res, err := New(home, tmpl, nil).Run()
	require.NoError(t, err)
	require.True(t, res.Copied)

	data, err := os.ReadFile(filepath.Join(home, ".bashrc"))
	require.NoError(t, err)
	require.Equal(t, "preinstalled", string(data))
	require.FileExists(t, filepath.Join(home, ".config", "tool", "settings.json"))
}

func TestCopyFailureLeavesMarkerAbsent(t *testing.T) {
	copyOverrideMu.Lock()
	restore := copyFile
	calls := 0
	copyFile = func(src, dst string, info fs.FileInfo) (int64, error) {
		calls++
		if calls == 2 {
			return 0, errors.New("no space left on device")
		}
		return restore(src, dst, info)
	}
	t.Cleanup(func() {
		copyFile = restore
		copyOverrideMu.Unlock()
	})

	tmpl := writeTemplate(t)
	home := t.TempDir()

	m := New(home, tmpl, nil)
	res, err := m.Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no space left")
	require.Equal(t, Copying, res.State)
	_, statErr := os.Stat(m.MarkerPath())
	require.True(t, errors.Is(statErr, fs.ErrNotExist))

	// The retry on the next start completes the copy.
	copyFile = restore
	res, err = New(home, tmpl, nil).Run()
	require.NoError(t, err)
	require.True(t, res.Copied)
	require.FileExists(t, m.MarkerPath())

	want := snapshot(t, tmpl)
	got := snapshot(t, home)
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		require.Contains(t, got, k)
	}
}

// readOnlyUnder makes copies below dir fail the way a read-only bind mount does.
func readOnlyUnder(t *testing.T, dir string) {
	t.Helper()
	copyOverrideMu.Lock()
	restore := copyFile
	copyFile = func(src, dst string, info fs.FileInfo) (int64, error) {
		if strings.HasPrefix(dst, dir+string(filepath.Separator)) {
			return 0, &fs.PathError{Op: "open", Path: dst, Err: syscall.EROFS}
		}
		return restore(src, dst, info)
	}
	t.Cleanup(func() {
		copyFile = restore
		copyOverrideMu.Unlock()
	})
}

func TestRunLeavesSkippedMountsAlone(t *testing.T) {
	tmpl := writeTemplate(t)
	home := t.TempDir()
	mounted := filepath.Join(home, ".config", "tool")
	require.NoError(t, os.MkdirAll(mounted, 0o755))
	readOnlyUnder(t, mounted)

	m := New(home, tmpl, nil)
	m.Skip = ParseSkip(".config/tool")
	res, err := m.Run()
	require.NoError(t, err)
	require.Equal(t, Initialized, res.State)
	require.FileExists(t, m.MarkerPath())
	require.NoFileExists(t, filepath.Join(mounted, "settings.json"))
	require.FileExists(t, filepath.Join(home, ".bashrc"))
	require.FileExists(t, filepath.Join(home, ".local", "bin", "helper"))
}

func TestRunDoesNotDescendIntoOtherDevices(t *testing.T) {
	tmpl := writeTemplate(t)
	home := t.TempDir()
	mounted := filepath.Join(home, ".config", "tool")
	require.NoError(t, os.MkdirAll(mounted, 0o755))
	readOnlyUnder(t, mounted)

	restore := deviceOf
	deviceOf = func(path string, info fs.FileInfo) (uint64, bool) {
		if path == mounted {
			return 99, true
		}
		return 1, true
	}
	t.Cleanup(func() { deviceOf = restore })

	var logs strings.Builder
	m := New(home, tmpl, log.New(&logs, "", 0))
	res, err := m.Run()
	require.NoError(t, err)
	require.True(t, res.Copied)
	require.FileExists(t, m.MarkerPath())
	require.NoFileExists(t, filepath.Join(mounted, "settings.json"))
	require.Contains(t, logs.String(), "path=.config/tool reason=mount-point")
}

func TestParseSkip(t *testing.T) {
	t.Parallel()

	got := ParseSkip(" .claude :.config/gh/:/etc:../escape::.")
	require.Equal(t, []string{".claude", ".config/gh"}, got)
	require.Empty(t, ParseSkip(""))
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "uninitialized", Uninitialized.String())
	require.Equal(t, "copying", Copying.String())
	require.Equal(t, "initialized", Initialized.String())
	require.Equal(t, "skipped", Skipped.String())
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xfeldman/panelplug/internal/registry"
)

// writeConfig points every path of a config at dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := strings.Join([]string{
		"data_dir: " + dir,
		"plugins_dir: " + filepath.Join(dir, "plugins"),
		"db_path: " + filepath.Join(dir, "panel.db"),
		"logs_dir: " + filepath.Join(dir, "logs"),
		"control_socket: " + filepath.Join(dir, "missing.sock"),
		"log_level: error",
	}, "\n")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPluginsCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "plugins"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugins", "clock.yaml"),
		[]byte("name: clock\ndisplay_name: Clock\nexec: /usr/lib/panelplug/clock\nunique: true\n"), 0600))

	out, err := execute(t, "--config", cfg, "plugins")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, []string{"clock", "Clock", "true", "/usr/lib/panelplug/clock"}, strings.Fields(lines[1]))
}

func TestItemsCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	reg, err := registry.Open(filepath.Join(dir, "panel.db"))
	require.NoError(t, err)
	require.NoError(t, reg.SaveItem(&registry.Item{
		ID: "clock-1", Name: "clock", DisplayName: "Clock",
		Executable: "/usr/lib/panelplug/clock", State: "live", PID: 42,
	}))
	require.NoError(t, reg.Close())

	out, err := execute(t, "--config", cfg, "items")
	require.NoError(t, err)
	require.Contains(t, out, "clock-1")
	require.Contains(t, out, "42")
}

func TestPanelCommandValidation(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	for _, args := range [][]string{
		{"panel"},
		{"panel", "--size", "0"},
		{"panel", "--position", "middle"},
	} {
		_, err := execute(t, append([]string{"--config", cfg}, args...)...)
		require.Error(t, err, "args %v", args)
	}
}

func TestControlCommandsNeedDaemon(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	_, err := execute(t, "--config", cfg, "status")
	require.ErrorContains(t, err, "not running")
	_, err = execute(t, "--config", cfg, "save")
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "panelplugd "), out)
}

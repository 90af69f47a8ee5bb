package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// runtimeDir picks where sockets live. On Linux the per-user runtime
// directory is preferred so the socket does not survive a logout.
func runtimeDir(baseDir string) string {
	if runtime.GOOS == "linux" {
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			return filepath.Join(dir, "panelplug")
		}
	}
	return baseDir
}

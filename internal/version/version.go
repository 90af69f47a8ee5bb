// Package version reports the panelplug release. Release builds set it with
//
//	go build -ldflags "-X github.com/xfeldman/panelplug/internal/version.version=v0.1.0"
package version

import "runtime/debug"

var version = "dev"

// Version returns the release version. Builds without ldflags report the
// main module version from the build info, or "dev".
func Version() string {
	if version != "dev" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return version
}

package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// resolveVersion prefers the ldflags value and falls back to the module
// version recorded by `go install`.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

// GetFullVersionInfo returns version, commit, build date and toolchain.
func GetFullVersionInfo() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuilt: %s\nGo: %s %s/%s",
		resolveVersion(), commit, date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// GetVersionWithPrefix returns the one-line version string.
func GetVersionWithPrefix() string {
	return "peergate version: " + resolveVersion()
}

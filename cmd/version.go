package main

import (
	"fmt"
	"runtime"
)

// GetVersion returns the current version information
func GetVersion() string {
	return version
}

// GetFullVersionInfo returns detailed version information
func GetFullVersionInfo() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuilt: %s\nGo: %s", version, commit, date, runtime.Version())
}

// GetVersionWithPrefix returns version with "gated-relay version: " prefix
func GetVersionWithPrefix() string {
	return fmt.Sprintf("gated-relay version: %s", version)
}

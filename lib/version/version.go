// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for darkroom binaries.
package version

import (
	"fmt"
	"runtime/debug"
)

// Info returns a human-readable version string derived from the
// module build info: the module version when built from a tagged
// release, otherwise the VCS revision embedded by the Go toolchain.
// Returns "unknown" when no build information is available (for
// example, binaries built with -buildvcs=false outside a module).
func Info() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
		return buildInfo.Main.Version
	}

	var revision, modified string
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			if setting.Value == "true" {
				modified = "+dirty"
			}
		}
	}
	if revision == "" {
		return "devel"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return fmt.Sprintf("devel (%s%s)", revision, modified)
}

// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Darkroom components.
//
// Configuration is loaded from a single file specified by either the
// DARKROOM_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The file is YAML. Files ending in .jsonc or .json are accepted as
// well: comments are stripped with tidwall/jsonc and the result is
// parsed as the JSON subset of YAML.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${DARKROOM_ROOT}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Storage, Keys, Queue, Metadata
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other Darkroom packages.
package config

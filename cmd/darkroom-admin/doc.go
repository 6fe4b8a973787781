// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Binary darkroom-admin is the operator CLI for a darkroom
// deployment: key generation, direct store access, metadata
// scrubbing, and queue health checks. See printUsage for the
// subcommand list.
package main

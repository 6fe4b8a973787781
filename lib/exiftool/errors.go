// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package exiftool

import (
	"errors"
	"fmt"
	"time"
)

// errWorkerCrashed marks operation failures caused by the worker
// process dying mid-request rather than by the request itself. The
// pool uses it to decide respawn and transparent retry.
var errWorkerCrashed = errors.New("worker process crashed")

// ToolUnavailableError reports that no worker could be acquired
// within the bounded wait. The caller may retry later; the pool
// itself is still healthy.
type ToolUnavailableError struct {
	Waited time.Duration
}

func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("no metadata worker available after %s", e.Waited)
}

// IsToolUnavailable reports whether err is a *ToolUnavailableError.
func IsToolUnavailable(err error) bool {
	var unavailable *ToolUnavailableError
	return errors.As(err, &unavailable)
}

// ParseError reports that the tool could not make sense of the input
// file. Retrying the same file will fail the same way.
type ParseError struct {
	Path    string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("metadata parse failed for %s: %s", e.Path, e.Message)
}

// IsParse reports whether err is a *ParseError.
func IsParse(err error) bool {
	var parse *ParseError
	return errors.As(err, &parse)
}

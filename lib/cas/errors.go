// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"errors"
	"fmt"

	"github.com/darkroom-project/darkroom/lib/digest"
)

// ErrBlobNotFound is returned by blob backends when no blob exists
// under the requested reference. Store methods translate it into the
// typed errors below; callers outside the package match those.
var ErrBlobNotFound = errors.New("blob not found")

// NotFoundError reports that no object exists at (Category, Digest).
type NotFoundError struct {
	Category Category
	Digest   digest.Digest
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object %s/%s not found", e.Category, e.Digest.Short())
}

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// IntegrityError reports that a retrieved object failed verification:
// the decrypted bytes do not hash to the requested digest, the AEAD
// authentication failed, or the blob vanished while its record
// remains. Always fatal to that retrieval; never retried silently.
type IntegrityError struct {
	Category Category
	Digest   digest.Digest
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure for %s/%s: %s", e.Category, e.Digest.Short(), e.Reason)
}

// IsIntegrity reports whether err is an *IntegrityError.
func IsIntegrity(err error) bool {
	var integrity *IntegrityError
	return errors.As(err, &integrity)
}

// BackendUnavailableError reports that the blob backend or metadata
// index could not be reached. Retryable with backoff at the caller.
type BackendUnavailableError struct {
	Op  string
	Err error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable during %s: %v", e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// IsBackendUnavailable reports whether err is a
// *BackendUnavailableError.
func IsBackendUnavailable(err error) bool {
	var unavailable *BackendUnavailableError
	return errors.As(err, &unavailable)
}

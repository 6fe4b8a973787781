// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import "errors"

// nonRetryableError marks a handler failure that retrying cannot fix
// (corrupt input, logic errors). The server maps it to the backend's
// skip-retry signal so the job fails immediately instead of burning
// its remaining attempts.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so the queue fails the job without further
// deliveries. Wrapping nil returns nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var marked *nonRetryableError
	return errors.As(err, &marked)
}

// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/darkroom-project/darkroom/lib/workflow"
)

// commandClassifier runs the configured classify command with the
// image written to a temp file appended as the final argument. The
// command prints one damage label per line on stdout; blank lines are
// ignored. A non-zero exit is an error (retried by the queue up to
// the attempt limit).
type commandClassifier struct {
	argv    []string
	timeout time.Duration
}

var _ workflow.Classifier = (*commandClassifier)(nil)

func (c *commandClassifier) Classify(ctx context.Context, image []byte, mimeType string) ([]string, error) {
	dir, err := os.MkdirTemp("", "darkroom-classify-")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input")
	if err := os.WriteFile(inputPath, image, 0o600); err != nil {
		return nil, fmt.Errorf("writing input: %w", err)
	}

	stdout, err := runCommand(ctx, c.timeout, append(append([]string{}, c.argv...), inputPath), nil)
	if err != nil {
		return nil, fmt.Errorf("classify command: %w", err)
	}

	var labels []string
	for _, line := range strings.Split(string(stdout), "\n") {
		if label := strings.TrimSpace(line); label != "" {
			labels = append(labels, label)
		}
	}
	return labels, nil
}

// commandRestorer runs the configured restore command with the input
// and output paths appended as the final two arguments. The damage
// labels from classification are passed in the DARKROOM_LABELS
// environment variable, comma separated.
type commandRestorer struct {
	argv    []string
	timeout time.Duration
}

var _ workflow.Restorer = (*commandRestorer)(nil)

func (r *commandRestorer) Restore(ctx context.Context, original []byte, labels []string) ([]byte, string, error) {
	dir, err := os.MkdirTemp("", "darkroom-restore-")
	if err != nil {
		return nil, "", fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input")
	outputPath := filepath.Join(dir, "output")
	if err := os.WriteFile(inputPath, original, 0o600); err != nil {
		return nil, "", fmt.Errorf("writing input: %w", err)
	}

	argv := append(append([]string{}, r.argv...), inputPath, outputPath)
	env := []string{"DARKROOM_LABELS=" + strings.Join(labels, ",")}
	if _, err := runCommand(ctx, r.timeout, argv, env); err != nil {
		return nil, "", fmt.Errorf("restore command: %w", err)
	}

	restored, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, "", fmt.Errorf("reading restored output: %w", err)
	}
	if len(restored) == 0 {
		return nil, "", fmt.Errorf("restore command produced empty output")
	}
	return restored, http.DetectContentType(restored), nil
}

// runCommand executes argv under a timeout, returning stdout.
// Non-zero exits include the command's stderr in the error.
func runCommand(ctx context.Context, timeout time.Duration, argv, extraEnv []string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), extraEnv...)
	// Without a wait delay, Run blocks until the stdout/stderr pipes
	// close, which orphaned grandchildren can hold open long after the
	// command itself was killed.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], err, detail)
		}
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	return stdout.Bytes(), nil
}

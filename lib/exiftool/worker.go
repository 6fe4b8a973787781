// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package exiftool

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// readyMarker terminates every response on both streams. The tool
// emits it on stdout after -execute; the pool asks for the same
// marker on stderr via -echo4 so both streams have an unambiguous
// end-of-response.
const readyMarker = "{ready}"

// worker is one long-lived tool process in stay-open mode. Commands
// are written to its stdin as an argument list terminated by
// -execute; the response is everything on stdout up to the ready
// marker. A worker serves one command at a time; the pool's arena
// enforces that.
type worker struct {
	id     int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *bufio.Reader

	// killOnce makes kill safe to call from both the request timeout
	// path and shutdown.
	killOnce sync.Once
}

// startWorker spawns one tool process and wires its pipes.
func startWorker(id int, command string, initArgs []string) (*worker, error) {
	cmd := exec.Command(command, initArgs...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}

	return &worker{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		stderr: bufio.NewReader(stderr),
	}, nil
}

// run executes one command on the worker and returns the tool's
// stdout and stderr up to the ready markers. Any pipe failure means
// the process died; those errors wrap errWorkerCrashed so the pool
// can tell a dead worker from a request-level failure.
func (w *worker) run(args []string) (stdout, stderr string, err error) {
	var request strings.Builder
	for _, arg := range args {
		request.WriteString(arg)
		request.WriteByte('\n')
	}
	// -echo4 emits its argument to stderr after the command finishes,
	// giving stderr the same end-of-response marker stdout gets from
	// -execute.
	request.WriteString("-echo4\n" + readyMarker + "\n-execute\n")

	if _, err := io.WriteString(w.stdin, request.String()); err != nil {
		return "", "", fmt.Errorf("%w: writing command: %w", errWorkerCrashed, err)
	}

	stdout, err = readUntilReady(w.stdout)
	if err != nil {
		return "", "", fmt.Errorf("%w: reading response: %w", errWorkerCrashed, err)
	}
	stderr, err = readUntilReady(w.stderr)
	if err != nil {
		return "", "", fmt.Errorf("%w: reading diagnostics: %w", errWorkerCrashed, err)
	}
	return stdout, stderr, nil
}

// readUntilReady collects lines up to (excluding) the ready marker.
func readUntilReady(reader *bufio.Reader) (string, error) {
	var output strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if strings.TrimSpace(line) == readyMarker {
			return output.String(), nil
		}
		output.WriteString(line)
		if err != nil {
			return "", err
		}
	}
}

// stop asks the process to exit cleanly by ending stay-open mode,
// then waits for it. The caller bounds the wait.
func (w *worker) stop() error {
	if _, err := io.WriteString(w.stdin, "-stay_open\nFalse\n"); err != nil {
		// Already dead; reap it.
		w.kill()
		return nil
	}
	w.stdin.Close()
	return w.cmd.Wait()
}

// kill force-terminates the process and reaps it. Safe to call more
// than once and on an already-dead worker.
func (w *worker) kill() {
	w.killOnce.Do(func() {
		w.stdin.Close()
		if w.cmd.Process != nil {
			w.cmd.Process.Kill()
		}
		w.cmd.Wait()
	})
}

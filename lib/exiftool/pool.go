// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package exiftool manages a fixed-size pool of long-lived exiftool
// processes in stay-open mode. Spawning a fresh process per file is
// too slow for the ingest path (exiftool is a Perl program with a
// heavy startup), and parsing arbitrary image formats in-process is
// a blast radius nobody wants; the pool keeps a few warm processes
// and feeds them commands over stdin.
//
// All three operations work on file paths, not bytes: the tool reads
// files itself. Write and Strip never modify the input file in place;
// they copy it, run the tool on the copy, and rename the copy over
// the original only on success.
package exiftool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/darkroom-project/darkroom/lib/clock"
)

// Config configures a Pool. Command and InitArgs exist so tests can
// substitute a stub process; production leaves them at the defaults.
type Config struct {
	// Command is the tool binary. Defaults to "exiftool".
	Command string

	// InitArgs are the arguments that put the tool into stay-open
	// mode reading commands from stdin. Defaults to
	// ["-stay_open", "True", "-@", "-"].
	InitArgs []string

	// Workers is the number of tool processes. Defaults to 2.
	Workers int

	// AcquireTimeout bounds how long a request waits for a free
	// worker before failing with *ToolUnavailableError. Defaults to
	// 5 seconds.
	AcquireTimeout time.Duration

	// RequestTimeout bounds a single tool invocation. A worker that
	// exceeds it is killed and respawned. Defaults to 30 seconds.
	RequestTimeout time.Duration

	// RetryOnCrash makes the pool transparently retry an operation
	// once when its worker died mid-request. The retry runs on a
	// fresh worker.
	RetryOnCrash bool

	// Logger receives pool lifecycle events. Defaults to a discard
	// logger.
	Logger *slog.Logger

	// Clock drives timeouts. Defaults to the real clock.
	Clock clock.Clock
}

// Pool is a bounded arena of tool workers. Safe for concurrent use.
type Pool struct {
	command        string
	initArgs       []string
	acquireTimeout time.Duration
	requestTimeout time.Duration
	retryOnCrash   bool
	logger         *slog.Logger
	clock          clock.Clock

	idle   chan *worker
	closed chan struct{}

	mu     sync.Mutex
	live   map[int]*worker
	nextID int

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewPool starts the worker processes. It fails if any worker cannot
// be started, killing the ones that did start.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Command == "" {
		cfg.Command = "exiftool"
	}
	if cfg.InitArgs == nil {
		cfg.InitArgs = []string{"-stay_open", "True", "-@", "-"}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	pool := &Pool{
		command:        cfg.Command,
		initArgs:       cfg.InitArgs,
		acquireTimeout: cfg.AcquireTimeout,
		requestTimeout: cfg.RequestTimeout,
		retryOnCrash:   cfg.RetryOnCrash,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		idle:           make(chan *worker, cfg.Workers),
		closed:         make(chan struct{}),
		live:           make(map[int]*worker),
	}

	for i := 0; i < cfg.Workers; i++ {
		if err := pool.spawn(); err != nil {
			pool.killAll()
			return nil, fmt.Errorf("starting metadata worker %d: %w", i, err)
		}
	}
	return pool, nil
}

// Read returns the embedded metadata of the file at path as flat
// tag-name to value strings.
func (p *Pool) Read(ctx context.Context, path string) (map[string]string, error) {
	stdout, stderr, err := p.execute(ctx, []string{"-j", path})
	if err != nil {
		return nil, err
	}
	if message := toolError(stderr); message != "" {
		return nil, &ParseError{Path: path, Message: message}
	}

	decoder := json.NewDecoder(strings.NewReader(stdout))
	decoder.UseNumber()
	var entries []map[string]any
	if err := decoder.Decode(&entries); err != nil {
		return nil, &ParseError{Path: path, Message: fmt.Sprintf("unparseable tool output: %v", err)}
	}
	if len(entries) == 0 {
		return nil, &ParseError{Path: path, Message: "tool produced no output"}
	}

	tags := make(map[string]string, len(entries[0]))
	for name, value := range entries[0] {
		if name == "SourceFile" {
			continue
		}
		tags[name] = fmt.Sprint(value)
	}
	return tags, nil
}

// Write sets the given tags on the file at path. The original file is
// replaced atomically; a failed write leaves it untouched.
func (p *Pool) Write(ctx context.Context, path string, tags map[string]string) error {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	return p.rewrite(ctx, path, func(workingCopy string) []string {
		args := make([]string, 0, len(tags)+2)
		for _, name := range names {
			args = append(args, "-"+name+"="+tags[name])
		}
		return append(args, "-overwrite_original", workingCopy)
	})
}

// Strip removes all embedded metadata from the file at path. Same
// replacement discipline as Write.
func (p *Pool) Strip(ctx context.Context, path string) error {
	return p.rewrite(ctx, path, func(workingCopy string) []string {
		return []string{"-all=", "-overwrite_original", workingCopy}
	})
}

// rewrite runs a mutating tool command against a temporary copy of
// path and renames the copy over the original on success. The copy
// lives in the same directory so the rename stays on one filesystem.
func (p *Pool) rewrite(ctx context.Context, path string, buildArgs func(workingCopy string) []string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", path, err)
	}

	workingCopy, err := copyToTemp(path, info)
	if err != nil {
		return err
	}
	defer os.Remove(workingCopy)

	_, stderr, err := p.execute(ctx, buildArgs(workingCopy))
	if err != nil {
		return err
	}
	if message := toolError(stderr); message != "" {
		return &ParseError{Path: path, Message: message}
	}

	if err := os.Rename(workingCopy, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight operations
// to finish up to the context deadline, then force-kills anything
// still running. Calling it again returns the first call's result.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		close(p.closed)

		var drained []*worker
	drain:
		for {
			// Recount each round: a worker that dies mid-flight
			// leaves the live set and will never reach the arena.
			p.mu.Lock()
			liveCount := len(p.live)
			p.mu.Unlock()
			if len(drained) >= liveCount {
				break
			}

			select {
			case w := <-p.idle:
				drained = append(drained, w)
			case <-ctx.Done():
				p.shutdownErr = fmt.Errorf("draining metadata pool: %w", ctx.Err())
				break drain
			}
		}

		for _, w := range drained {
			stopped := make(chan error, 1)
			go func() { stopped <- w.stop() }()
			select {
			case <-stopped:
			case <-ctx.Done():
				w.kill()
				<-stopped
			}
		}

		// Workers still in-flight past the deadline, and any whose
		// graceful stop hung, die here. kill is idempotent.
		p.killAll()
	})
	return p.shutdownErr
}

// execute runs one tool command on an acquired worker, retrying once
// on worker crash when configured to.
func (p *Pool) execute(ctx context.Context, args []string) (stdout, stderr string, err error) {
	stdout, stderr, err = p.executeOnce(ctx, args)
	if err != nil && errors.Is(err, errWorkerCrashed) && p.retryOnCrash {
		p.logger.Warn("metadata worker crashed, retrying request", "error", err)
		stdout, stderr, err = p.executeOnce(ctx, args)
	}
	return stdout, stderr, err
}

func (p *Pool) executeOnce(ctx context.Context, args []string) (string, string, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return "", "", err
	}

	type response struct {
		stdout string
		stderr string
		err    error
	}
	done := make(chan response, 1)
	go func() {
		stdout, stderr, err := w.run(args)
		done <- response{stdout, stderr, err}
	}()

	select {
	case r := <-done:
		p.release(w, !errors.Is(r.err, errWorkerCrashed))
		return r.stdout, r.stderr, r.err

	case <-p.clock.After(p.requestTimeout):
		// Killing the process unblocks the pipe reads, so the run
		// goroutine finishes promptly with a crash error.
		w.kill()
		<-done
		p.release(w, false)
		return "", "", fmt.Errorf("%w: request exceeded %s", errWorkerCrashed, p.requestTimeout)
	}
}

// acquire takes a worker from the arena, waiting up to
// AcquireTimeout.
func (p *Pool) acquire(ctx context.Context) (*worker, error) {
	select {
	case <-p.closed:
		return nil, errors.New("metadata pool is shut down")
	default:
	}

	select {
	case w := <-p.idle:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, errors.New("metadata pool is shut down")
	case <-p.clock.After(p.acquireTimeout):
		return nil, &ToolUnavailableError{Waited: p.acquireTimeout}
	}
}

// release returns a healthy worker to the arena. An unhealthy worker
// is killed and replaced in the background so pool capacity recovers
// without blocking the caller.
func (p *Pool) release(w *worker, healthy bool) {
	if healthy {
		// The channel has capacity for every live worker, so this
		// never blocks; during shutdown the drain takes it from here.
		p.idle <- w
		return
	}

	w.kill()
	p.mu.Lock()
	delete(p.live, w.id)
	p.mu.Unlock()
	p.logger.Warn("metadata worker died", "worker", w.id)

	go p.respawnLoop()
}

// spawn starts one worker and places it in the arena.
func (p *Pool) spawn() error {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	w, err := startWorker(id, p.command, p.initArgs)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.live[id] = w
	p.mu.Unlock()

	select {
	case p.idle <- w:
	case <-p.closed:
		// Raced with shutdown; the drain won't see this worker, so
		// kill it here.
		w.kill()
		p.mu.Lock()
		delete(p.live, id)
		p.mu.Unlock()
	}
	return nil
}

// respawnLoop replaces a dead worker, retrying until the spawn
// succeeds or the pool shuts down.
func (p *Pool) respawnLoop() {
	for {
		select {
		case <-p.closed:
			return
		default:
		}

		err := p.spawn()
		if err == nil {
			return
		}
		p.logger.Error("metadata worker respawn failed", "error", err)
		p.clock.Sleep(time.Second)
	}
}

func (p *Pool) killAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.live {
		w.kill()
		delete(p.live, id)
	}
}

// toolError extracts the first error line from the tool's stderr.
// Warnings are not errors; the tool still produced usable output.
func toolError(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Error:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Error:"))
		}
	}
	return ""
}

// copyToTemp copies the file at path to a hidden temporary file in
// the same directory, preserving its mode.
func copyToTemp(path string, info os.FileInfo) (string, error) {
	source, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer source.Close()

	destination, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return "", fmt.Errorf("creating working copy: %w", err)
	}

	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		os.Remove(destination.Name())
		return "", fmt.Errorf("copying %s: %w", path, err)
	}
	if err := destination.Chmod(info.Mode()); err != nil {
		destination.Close()
		os.Remove(destination.Name())
		return "", fmt.Errorf("setting working copy mode: %w", err)
	}
	if err := destination.Close(); err != nil {
		os.Remove(destination.Name())
		return "", fmt.Errorf("closing working copy: %w", err)
	}
	return destination.Name(), nil
}

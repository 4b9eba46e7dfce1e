// Package sandbox executes approved actions in an isolated container.
//
// The executor contract is deliberately narrow: callers hand over an argv
// and get captured output back. Isolation is not negotiable: no network,
// read-only rootfs, tmpfs /tmp, CPU and memory caps, wall-clock timeout.
// Commands outside the allowlist are refused before any runtime starts.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

var (
	// ErrBlocked is returned when the command is not on the allowlist.
	// No container is created in that case.
	ErrBlocked = errors.New("sandbox: command not allowlisted")

	// ErrTimeout is returned when the wall-clock limit elapses before the
	// command exits. The container is force-removed.
	ErrTimeout = errors.New("sandbox: execution timed out")

	// ErrEmptyCommand is returned for a nil or empty argv.
	ErrEmptyCommand = errors.New("sandbox: empty command")
)

// Request describes one command execution.
type Request struct {
	// Command is the argv; Command[0] is matched against the allowlist by
	// basename. No shell is involved, so metacharacters are inert.
	Command []string

	// WorkDir is the working directory inside the container. Optional.
	WorkDir string

	// Timeout caps wall-clock runtime. Zero means the executor default.
	Timeout time.Duration
}

// Result is the captured outcome of a run.
type Result struct {
	Output     string `json:"output"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Executor runs a request in isolation. Implementations must enforce the
// allowlist themselves so blocked commands never reach a runtime.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Allowlist is the set of permitted command names. Matching is by basename
// of argv[0], so "/bin/ls" and "ls" are the same entry.
type Allowlist struct {
	allowed map[string]bool
}

// DefaultAllowlist covers the read-only plumbing an assistant action
// legitimately needs inside a no-network container.
func DefaultAllowlist() *Allowlist {
	return NewAllowlist("echo", "ls", "cat", "date", "uname", "head", "tail", "wc")
}

func NewAllowlist(commands ...string) *Allowlist {
	a := &Allowlist{allowed: make(map[string]bool, len(commands))}
	for _, c := range commands {
		c = strings.TrimSpace(c)
		if c != "" {
			a.allowed[path.Base(c)] = true
		}
	}
	return a
}

// Permit returns nil when argv[0] is allowlisted.
func (a *Allowlist) Permit(argv []string) error {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return ErrEmptyCommand
	}
	name := path.Base(argv[0])
	if !a.allowed[name] {
		return fmt.Errorf("%w: %q", ErrBlocked, name)
	}
	return nil
}

// Commands returns the allowlisted names, for diagnostics.
func (a *Allowlist) Commands() []string {
	out := make([]string, 0, len(a.allowed))
	for c := range a.allowed {
		out = append(out, c)
	}
	return out
}

// Options tune the docker executor. Zero values take defaults.
type Options struct {
	Image          string        // container image, default alpine:3.20
	NanoCPUs       int64         // CPU cap, default half a core
	MemoryBytes    int64         // memory cap, default 256 MiB
	DefaultTimeout time.Duration // wall clock when Request.Timeout is zero, default 30s
	MaxOutputBytes int           // captured-output cap, default 64 KiB
	User           string        // container user, default "nobody"
}

func (o *Options) withDefaults() {
	if o.Image == "" {
		o.Image = "alpine:3.20"
	}
	if o.NanoCPUs <= 0 {
		o.NanoCPUs = 500_000_000
	}
	if o.MemoryBytes <= 0 {
		o.MemoryBytes = 256 * 1024 * 1024
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 64 * 1024
	}
	if o.User == "" {
		o.User = "nobody"
	}
}

// DockerExecutor runs commands in throwaway containers on the local daemon.
type DockerExecutor struct {
	opts  Options
	allow *Allowlist
}

// NewDockerExecutor probes the daemon once so boot can fall back to the
// noop executor on docker-less hosts.
func NewDockerExecutor(ctx context.Context, allow *Allowlist, opts Options) (*DockerExecutor, error) {
	if allow == nil {
		allow = DefaultAllowlist()
	}
	opts.withDefaults()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	slog.Info("[Sandbox] docker executor ready", "image", opts.Image, "timeout", opts.DefaultTimeout)
	return &DockerExecutor{opts: opts, allow: allow}, nil
}

func (d *DockerExecutor) Name() string { return "docker" }

func (d *DockerExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := d.allow.Permit(req.Command); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: d.opts.NanoCPUs,
			Memory:   d.opts.MemoryBytes,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	created, err := cli.ContainerCreate(runCtx, &container.Config{
		Image:      d.opts.Image,
		Cmd:        req.Command,
		WorkingDir: req.WorkDir,
		User:       d.opts.User,
		Tty:        false,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	// Removal must survive a dead runCtx after a timeout.
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		if err := cli.ContainerRemove(rmCtx, created.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			slog.Warn("[Sandbox] container remove failed", "id", created.ID[:12], "error", err)
		}
	}()

	start := time.Now()
	if err := cli.ContainerStart(runCtx, created.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	waitCh, errCh := cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if runCtx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("container wait: %w", err)
	case <-runCtx.Done():
		return nil, ErrTimeout
	}
	elapsed := time.Since(start)

	out, truncated, err := d.collectLogs(cli, created.ID)
	if err != nil {
		return nil, err
	}

	slog.Info("[Sandbox] execution complete",
		"command", req.Command[0], "exit_code", exitCode, "duration_ms", elapsed.Milliseconds())

	return &Result{
		Output:     out,
		ExitCode:   exitCode,
		DurationMS: elapsed.Milliseconds(),
		Truncated:  truncated,
	}, nil
}

func (d *DockerExecutor) collectLogs(cli *client.Client, id string) (string, bool, error) {
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := cli.ContainerLogs(logCtx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", false, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	// Docker multiplexes stdout/stderr on one stream; stdcopy splits the
	// frames. Both land in the same capped buffer.
	w := &capWriter{max: d.opts.MaxOutputBytes}
	if _, err := stdcopy.StdCopy(w, w, rc); err != nil {
		return "", false, fmt.Errorf("read logs: %w", err)
	}
	return w.buf.String(), w.truncated, nil
}

// capWriter caps captured output without failing the copy.
type capWriter struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	remain := w.max - w.buf.Len()
	if remain <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		w.buf.Write(p[:remain])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

// NoopExecutor enforces the allowlist but only echoes the command back.
// It backs tests and hosts without a docker daemon.
type NoopExecutor struct {
	allow *Allowlist
}

func NewNoopExecutor(allow *Allowlist) *NoopExecutor {
	if allow == nil {
		allow = DefaultAllowlist()
	}
	return &NoopExecutor{allow: allow}
}

func (n *NoopExecutor) Name() string { return "noop" }

func (n *NoopExecutor) Execute(_ context.Context, req Request) (*Result, error) {
	if err := n.allow.Permit(req.Command); err != nil {
		return nil, err
	}
	return &Result{
		Output:   strings.Join(req.Command, " ") + "\n",
		ExitCode: 0,
	}, nil
}

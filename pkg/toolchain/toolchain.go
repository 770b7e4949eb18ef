package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"addinbundle/pkg/targets"
)

// ErrToolchain is returned when the toolchain cannot be started or exits
// with a non-zero status.
var ErrToolchain = errors.New("toolchain invocation failed")

const defaultTailBytes = 8 << 10

// Invocation is a single `<toolchain> build` call for one target.
type Invocation struct {
	Command      string
	ManifestPath string
	Triple       string
	Release      bool
}

// NewInvocation builds the invocation for a catalog target.
func NewInvocation(t targets.Target, manifestPath string, release bool) Invocation {
	return Invocation{
		Command:      t.Toolchain,
		ManifestPath: manifestPath,
		Triple:       t.Triple,
		Release:      release,
	}
}

// Args returns the arguments passed to the toolchain command.
func (inv Invocation) Args() []string {
	args := []string{"build", "--manifest-path", inv.ManifestPath, "--target", inv.Triple}
	if inv.Release {
		args = append(args, "--release")
	}
	return args
}

func (inv Invocation) String() string {
	return inv.Command + " " + strings.Join(inv.Args(), " ")
}

// Profile returns the output directory name the toolchain uses for the
// selected build mode.
func Profile(release bool) string {
	if release {
		return "release"
	}
	return "debug"
}

// Result describes a finished toolchain process.
type Result struct {
	ExitCode int
	Output   string // Tail of the combined stdout and stderr.
	Duration time.Duration
}

// ExitError reports a toolchain process that could not run to a zero exit.
type ExitError struct {
	Invocation Invocation
	ExitCode   int // -1 when the process never started.
	Output     string
	Err        error
}

func (e *ExitError) Error() string {
	var b strings.Builder
	if e.ExitCode < 0 {
		fmt.Fprintf(&b, "%s: %s: %v", ErrToolchain, e.Invocation, e.Err)
	} else {
		fmt.Fprintf(&b, "%s: %s: exit code %d", ErrToolchain, e.Invocation, e.ExitCode)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}

func (e *ExitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrToolchain}
	}
	return []error{ErrToolchain, e.Err}
}

// Runner executes toolchain invocations.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// ExecRunner runs the toolchain as a child process, streaming its output to
// Stdout/Stderr while keeping a tail for diagnostics.
type ExecRunner struct {
	Stdout    io.Writer
	Stderr    io.Writer
	Dir       string
	TailBytes int
}

// Run starts the process and blocks until it exits. No timeout is applied;
// only ctx cancellation stops a running toolchain.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if strings.TrimSpace(inv.Command) == "" {
		return nil, &ExitError{Invocation: inv, ExitCode: -1, Err: errors.New("empty toolchain command")}
	}

	stdout, stderr := r.Stdout, r.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	size := r.TailBytes
	if size <= 0 {
		size = defaultTailBytes
	}
	tail := newTailBuffer(size)

	cmd := exec.CommandContext(ctx, inv.Command, inv.Args()...)
	cmd.Dir = r.Dir
	cmd.Stdin = nil
	cmd.Stdout = io.MultiWriter(stdout, tail)
	cmd.Stderr = io.MultiWriter(stderr, tail)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExitError{Invocation: inv, ExitCode: -1, Err: fmt.Errorf("failed to start command: %w", err)}
	}
	waitErr := cmd.Wait()
	res := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   tail.String(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, &ExitError{Invocation: inv, ExitCode: res.ExitCode, Output: res.Output, Err: fmt.Errorf("command aborted: %w", ctxErr)}
		}
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, &ExitError{Invocation: inv, ExitCode: res.ExitCode, Output: res.Output, Err: waitErr}
		}
		return res, &ExitError{Invocation: inv, ExitCode: res.ExitCode, Output: res.Output}
	}
	return res, nil
}

// Build runs the toolchain for one target. Success is defined solely by a
// zero exit status.
func Build(ctx context.Context, r Runner, t targets.Target, manifestPath string, release bool) (*Result, error) {
	inv := NewInvocation(t, manifestPath, release)
	res, err := r.Run(ctx, inv)
	if err != nil {
		if errors.Is(err, ErrToolchain) {
			return res, err
		}
		return res, &ExitError{Invocation: inv, ExitCode: -1, Err: err}
	}
	if res != nil && res.ExitCode != 0 {
		return res, &ExitError{Invocation: inv, ExitCode: res.ExitCode, Output: res.Output}
	}
	return res, nil
}

// tailBuffer keeps the last max bytes written to it. It is shared by the
// stdout and stderr copiers, which run concurrently.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

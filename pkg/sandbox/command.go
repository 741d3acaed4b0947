package sandbox

import (
	"context"
	stderrors "errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/matzehuels/depdb/pkg/errors"
)

// DefaultMaxOutput caps captured stdout and stderr, each.
const DefaultMaxOutput = 1 << 20

// DefaultWaitDelay is how long Run waits for output pipes to close after
// the process has been killed.
const DefaultWaitDelay = 2 * time.Second

// DefaultArgv runs the probe under bubblewrap with no network, a read-only
// view of the host and only the work directory writable.
var DefaultArgv = []string{
	"bwrap",
	"--unshare-all",
	"--die-with-parent",
	"--new-session",
	"--ro-bind", "/", "/",
	"--dev", "/dev",
	"--proc", "/proc",
	"--tmpfs", "/tmp",
	"--bind", "{dir}", "{dir}",
	"--ro-bind", "{script}", "{script}",
	"--chdir", "{dir}",
	"python{python}", "{script}", "{entry}",
}

// DefaultEnv is the complete environment given to sandboxed processes.
var DefaultEnv = []string{
	"PATH=/usr/local/bin:/usr/bin:/bin",
	"HOME=/homeless-shelter",
	"LANG=C.UTF-8",
	"PYTHONDONTWRITEBYTECODE=1",
	"PYTHONIOENCODING=utf-8",
}

// Command is a [Runner] that executes an argv template.
type Command struct {
	Argv      []string // template; nil selects DefaultArgv
	Env       []string // nil selects DefaultEnv
	MaxOutput int      // per stream; zero selects DefaultMaxOutput
	WaitDelay time.Duration
}

// NewCommand returns a Command for argv with default limits.
func NewCommand(argv []string) *Command {
	return &Command{Argv: argv}
}

// Expand substitutes the placeholders of inv into the argv template.
func (c *Command) Expand(inv Invocation) []string {
	argv := c.Argv
	if len(argv) == 0 {
		argv = DefaultArgv
	}
	r := strings.NewReplacer(
		"{entry}", inv.EntryPoint,
		"{script}", inv.Script,
		"{dir}", inv.WorkDir,
		"{python_nodot}", strings.ReplaceAll(inv.Python, ".", ""),
		"{python}", inv.Python,
	)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

// Run executes inv. The process group is killed when the invocation's
// timeout elapses or ctx is cancelled.
func (c *Command) Run(ctx context.Context, inv Invocation) (Result, error) {
	argv := c.Expand(inv)
	if len(argv) == 0 || argv[0] == "" {
		return Result{}, errors.New(errors.ErrCodeInvalidInput, "empty sandbox command")
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	limit := c.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	stdout := &boundedBuffer{max: limit}
	stderr := &boundedBuffer{max: limit}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = inv.WorkDir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = DefaultEnv
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	killGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case err == nil:
		res.Status = StatusOK
		return res, nil
	case runCtx.Err() != nil:
		res.Status = StatusTimedOut
		res.ExitCode = -1
		return res, nil
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		res.Status = StatusFailed
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, errors.Wrap(errors.ErrCodeInternal, err, "start sandbox %s", argv[0])
}

// boundedBuffer keeps the first max bytes written and discards the rest.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf = append(b.buf, p[:room]...)
		}
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

// Package sandbox runs untrusted build scripts in an external sandbox.
//
// depdb never executes archive code in its own process. Every invocation
// goes through a [Runner], normally a [Command] that expands an argv
// template (bubblewrap by default) and runs it with a minimal environment,
// a hard wall-clock limit and bounded output capture.
//
// # Placeholders
//
// The argv template may contain:
//
//   - {entry}: the entry point relative to the work directory (setup.py)
//   - {script}: absolute path of the probe script
//   - {dir}: the work directory
//   - {python}: interpreter version, e.g. 3.10
//   - {python_nodot}: interpreter version without dots, e.g. 310
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Status is the outcome of one sandboxed invocation.
type Status int

const (
	// StatusOK means the process exited with code 0.
	StatusOK Status = iota
	// StatusFailed means the process exited with a non-zero code.
	StatusFailed
	// StatusTimedOut means the process was killed at its deadline.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed out"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Invocation describes one run of the probe against an unpacked project.
type Invocation struct {
	EntryPoint string        // build script, relative to WorkDir
	Script     string        // probe script path
	WorkDir    string        // unpacked project root; the only writable path
	Python     string        // interpreter version
	Timeout    time.Duration // wall-clock limit; zero means no limit
}

// Result is what a finished invocation produced.
type Result struct {
	Status    Status
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Duration  time.Duration
	Truncated bool // output exceeded the capture limit
}

// Runner executes invocations. Run returns an error only when the sandbox
// itself could not be started or ctx was cancelled; script failures and
// timeouts are reported through [Result.Status].
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// Package sdist reads declared dependencies from source distributions.
//
// Source distributions only declare their requirements by running their
// build script, so extraction executes setup.py once per target
// interpreter version, always through a [sandbox.Runner] and always under
// a wall-clock limit. Every version gets a fresh unpacked copy of the
// archive, so a script that writes into its tree cannot affect the next
// run.
//
// Each version resolves to its own [Outcome]: a dependency record, or one
// of TIMEOUT, BUILD_SCRIPT_ERROR, NO_BUILD_SCRIPT, UNSUPPORTED_ENCODING,
// MALFORMED_ARTIFACT or UNSUPPORTED_FORMAT. Projects that declare static
// [project] metadata in pyproject.toml and ship no setup.py are read
// without running anything.
package sdist

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/records"
	"github.com/matzehuels/depdb/pkg/sandbox"
)

// DefaultTimeout bounds one probe run.
const DefaultTimeout = 60 * time.Second

// Outcome is the result for one interpreter version. Exactly one of Deps
// and Err is set; Err always carries an artifact failure code.
type Outcome struct {
	Python string
	Deps   *records.DependencyRecord
	Err    error
}

// Record converts o into a store record for key.
func (o Outcome) Record(key records.Key, at time.Time) records.Record {
	if o.Deps != nil {
		return records.NewSuccess(key, *o.Deps, at)
	}
	return records.FromError(key, o.Err, errors.ErrCodeBuildScriptError, at)
}

// Extractor runs the probe for sdists.
type Extractor struct {
	Runner     sandbox.Runner
	ScratchDir string        // parent of per-run scratch trees; empty uses os.TempDir
	Timeout    time.Duration // per interpreter version; zero uses DefaultTimeout
	Limits     Limits        // zero value uses DefaultLimits
	Logger     *log.Logger
}

// ErrNoSpace reports that the scratch disk filled up while unpacking or
// probing. It says nothing about the artifact and is never recorded.
var ErrNoSpace = stderrors.New("no space left on device")

// Extract produces one outcome per entry of versions for the sdist at
// path. It returns an error only when ctx is done or [ErrNoSpace] occurs,
// in which case no outcome should be recorded.
func (e *Extractor) Extract(ctx context.Context, path string, ref index.ArtifactRef, versions []string) (map[string]Outcome, error) {
	out := make(map[string]Outcome, len(versions))
	for i, v := range versions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o, err := e.extractVersion(ctx, path, ref, v)
		if err != nil {
			return nil, err
		}
		out[v] = o
		if isArchiveFailure(o.Err) {
			// The archive itself is unusable; every version fails alike.
			for _, rest := range versions[i+1:] {
				out[rest] = Outcome{Python: rest, Err: o.Err}
			}
			break
		}
	}
	return out, nil
}

func isNoSpace(err error) bool {
	return stderrors.Is(err, syscall.ENOSPC)
}

func noSpace(err error) error {
	return fmt.Errorf("%w: %v", ErrNoSpace, err)
}

func outputMentionsNoSpace(res sandbox.Result) bool {
	const msg = "No space left on device"
	return strings.Contains(string(res.Stderr), msg) || strings.Contains(string(res.Stdout), msg)
}

func isArchiveFailure(err error) bool {
	switch errors.GetCode(err) {
	case errors.ErrCodeMalformedArtifact, errors.ErrCodeUnsupportedFormat:
		return true
	}
	return false
}

func (e *Extractor) logger() *log.Logger {
	if e.Logger == nil {
		return log.Default()
	}
	return e.Logger
}

func (e *Extractor) extractVersion(ctx context.Context, path string, ref index.ArtifactRef, python string) (Outcome, error) {
	fail := func(err error) (Outcome, error) {
		return Outcome{Python: python, Err: err}, nil
	}

	scratch := e.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fail(errors.Wrap(errors.ErrCodeBuildScriptError, err, "create scratch dir"))
	}
	dir, err := os.MkdirTemp(scratch, "sdist-")
	if err != nil {
		if isNoSpace(err) {
			return Outcome{}, noSpace(err)
		}
		return fail(errors.Wrap(errors.ErrCodeBuildScriptError, err, "create scratch dir"))
	}
	defer os.RemoveAll(dir)

	limits := e.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	root, err := Unpack(path, ref.Filename, dir, limits)
	if err != nil {
		if isNoSpace(err) {
			return Outcome{}, noSpace(err)
		}
		return fail(err)
	}
	proj, err := detectEntry(root)
	if err != nil {
		return fail(err)
	}

	if proj.entry != SetupPy && proj.pyproject.staticDeps() && !strings.HasPrefix(python, "2.") {
		rec, err := staticRecord(proj.pyproject)
		if err != nil {
			return fail(err)
		}
		return Outcome{Python: python, Deps: rec}, nil
	}
	if !proj.supports(python) {
		if proj.entry == PyprojectToml {
			return fail(errors.New(errors.ErrCodeNoBuildScript, "pyproject.toml without setup.py needs Python 3, got %s", python))
		}
		return fail(errors.New(errors.ErrCodeNoBuildScript, "no setup.py or pyproject.toml build-system"))
	}

	if proj.entry == SetupPy {
		src, err := os.ReadFile(filepath.Join(root, SetupPy))
		if err != nil {
			return fail(errors.Wrap(errors.ErrCodeMalformedArtifact, err, "read %s", SetupPy))
		}
		if err := checkSourceEncoding(src, python); err != nil {
			return fail(err)
		}
	}

	script, err := installProbe(root)
	if err != nil {
		if isNoSpace(err) {
			return Outcome{}, noSpace(err)
		}
		return fail(errors.Wrap(errors.ErrCodeBuildScriptError, err, "prepare probe"))
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	res, err := e.Runner.Run(ctx, sandbox.Invocation{
		EntryPoint: proj.entry,
		Script:     script,
		WorkDir:    root,
		Python:     python,
		Timeout:    timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		e.logger().Warn("sandbox failed to start", "artifact", ref.Filename, "python", python, "error", err)
		return fail(errors.Wrap(errors.ErrCodeBuildScriptError, err, "run sandbox"))
	}
	e.logger().Debug("probe finished", "artifact", ref.Filename, "python", python, "status", res.Status, "duration", res.Duration)

	switch res.Status {
	case sandbox.StatusTimedOut:
		return fail(errors.New(errors.ErrCodeTimeout, "build script exceeded %s", timeout))
	case sandbox.StatusFailed:
		if outputMentionsNoSpace(res) {
			return Outcome{}, noSpace(stderrors.New("probe output reports a full disk"))
		}
		diag := diagnostic(res, dir, ref.Version)
		switch res.ExitCode {
		case exitNoBuildScript:
			return fail(errors.New(errors.ErrCodeNoBuildScript, "%s", diag))
		case exitEncoding:
			return fail(errors.New(errors.ErrCodeUnsupportedEncoding, "%s", diag))
		}
		return fail(errors.New(errors.ErrCodeBuildScriptError, "%s", diag))
	}

	rec, err := readProbeResult(root)
	if err != nil {
		return fail(err)
	}
	return Outcome{Python: python, Deps: rec}, nil
}

// diagnostic picks the probe output worth keeping and normalizes it.
func diagnostic(res sandbox.Result, scratch, version string) string {
	out := string(res.Stderr)
	if strings.TrimSpace(out) == "" {
		out = string(res.Stdout)
	}
	out = strings.ReplaceAll(out, scratch, "#TMP#")
	if d := NormalizeDiagnostic(out, version); d != "" {
		return d
	}
	return "build script exited with status " + strconv.Itoa(res.ExitCode)
}

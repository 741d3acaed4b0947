// Package records defines the outcomes persisted by the result store.
//
// Every attempted identity resolves to exactly one [Record], which holds
// either a [DependencyRecord] or an [ErrorRecord]. Wheels have one identity
// per artifact; sdists have one identity per artifact and interpreter
// version.
package records

import (
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/matzehuels/depdb/pkg/deps"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
)

// ExtractorVersion identifies the extraction logic that produced a record.
// Bump it whenever extraction output changes for the same input.
const ExtractorVersion = "1"

// MaxDiagnosticBytes caps the diagnostic text kept in an error record.
const MaxDiagnosticBytes = 16 << 10

// Key is the identity of one record.
type Key struct {
	Package  string     `json:"package"`
	Version  string     `json:"version"`
	Kind     index.Kind `json:"kind"`
	Artifact string     `json:"artifact"`         // artifact filename
	Python   string     `json:"python,omitempty"` // interpreter version, sdist only
}

// KeyFor returns the key of ref for the given interpreter version. Pass an
// empty python for wheels.
func KeyFor(ref index.ArtifactRef, python string) Key {
	return Key{
		Package:  ref.Package,
		Version:  ref.Version,
		Kind:     ref.Kind,
		Artifact: ref.Filename,
		Python:   python,
	}
}

// Slot is the key's position inside a package file.
func (k Key) Slot() string {
	if k.Python != "" {
		return k.Artifact + "@" + k.Python
	}
	return k.Artifact
}

// ParseSlot splits a slot back into artifact and interpreter version.
func ParseSlot(slot string) (artifact, python string) {
	if i := strings.LastIndexByte(slot, '@'); i >= 0 {
		return slot[:i], slot[i+1:]
	}
	return slot, ""
}

func (k Key) String() string {
	s := k.Package + "==" + k.Version + " " + k.Artifact
	if k.Python != "" {
		s += " (python " + k.Python + ")"
	}
	return s
}

// DependencyRecord is a successful extraction.
type DependencyRecord struct {
	Requires         []deps.Specifier            `json:"requires"`
	Extras           map[string][]deps.Specifier `json:"extras,omitempty"`
	ProvidesExtras   []string                    `json:"provides_extras,omitempty"`
	SetupRequires    []deps.Specifier            `json:"setup_requires,omitempty"`
	TestsRequire     []deps.Specifier            `json:"tests_require,omitempty"`
	RequiresExternal []string                    `json:"requires_external,omitempty"`
	RequiresPython   string                      `json:"requires_python,omitempty"`
	ExtractedAt      time.Time                   `json:"extracted_at"`
	ExtractorVersion string                      `json:"extractor_version"`
}

// ErrorRecord is a failed extraction.
type ErrorRecord struct {
	Kind             errors.Code `json:"kind"`
	Diagnostic       string      `json:"diagnostic,omitempty"`
	At               time.Time   `json:"at"`
	ExtractorVersion string      `json:"extractor_version"`
}

// Record is the tagged union stored per key. Exactly one of Success and
// Error is set.
type Record struct {
	Key     Key               `json:"-"`
	Success *DependencyRecord `json:"success,omitempty"`
	Error   *ErrorRecord      `json:"error,omitempty"`
}

// NewSuccess returns a success record stamped with the current extractor
// version. A nil Requires list is stored as empty.
func NewSuccess(key Key, rec DependencyRecord, at time.Time) Record {
	if rec.Requires == nil {
		rec.Requires = []deps.Specifier{}
	}
	rec.ExtractedAt = at.UTC()
	rec.ExtractorVersion = ExtractorVersion
	return Record{Key: key, Success: &rec}
}

// NewError returns an error record. The diagnostic is truncated to
// [MaxDiagnosticBytes].
func NewError(key Key, code errors.Code, diagnostic string, at time.Time) Record {
	return Record{Key: key, Error: &ErrorRecord{
		Kind:             code,
		Diagnostic:       Truncate(diagnostic, MaxDiagnosticBytes),
		At:               at.UTC(),
		ExtractorVersion: ExtractorVersion,
	}}
}

// FromError converts an extraction failure into an error record. Errors
// without an artifact failure code are recorded as fallback.
func FromError(key Key, err error, fallback errors.Code, at time.Time) Record {
	code := errors.GetCode(err)
	if !errors.IsArtifactFailure(code) {
		code = fallback
	}
	return NewError(key, code, errors.UserMessage(err), at)
}

// IsSuccess reports whether r holds a dependency record.
func (r Record) IsSuccess() bool { return r.Success != nil }

// Version returns the extractor version that produced r.
func (r Record) Version() string {
	switch {
	case r.Success != nil:
		return r.Success.ExtractorVersion
	case r.Error != nil:
		return r.Error.ExtractorVersion
	}
	return ""
}

// Validate checks the union invariant.
func (r Record) Validate() error {
	if (r.Success == nil) == (r.Error == nil) {
		return errors.New(errors.ErrCodeInternal, "record %s must hold exactly one of success or error", r.Key)
	}
	if r.Error != nil && !errors.IsArtifactFailure(r.Error.Kind) {
		return errors.New(errors.ErrCodeInternal, "record %s has unknown failure kind %q", r.Key, r.Error.Kind)
	}
	return nil
}

// SameOutcome reports whether r and o describe the same result, ignoring
// timestamps.
func (r Record) SameOutcome(o Record) bool {
	switch {
	case r.Success != nil && o.Success != nil:
		a, b := *r.Success, *o.Success
		a.ExtractedAt, b.ExtractedAt = time.Time{}, time.Time{}
		return reflect.DeepEqual(a, b)
	case r.Error != nil && o.Error != nil:
		return r.Error.Kind == o.Error.Kind &&
			r.Error.Diagnostic == o.Error.Diagnostic &&
			r.Error.ExtractorVersion == o.Error.ExtractorVersion
	}
	return false
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

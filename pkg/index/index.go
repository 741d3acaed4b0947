package index

import (
	"context"
	"iter"
	"strings"

	"github.com/matzehuels/depdb/pkg/errors"
)

// Kind distinguishes the two artifact formats published on the index.
type Kind string

const (
	Wheel Kind = "wheel"
	Sdist Kind = "sdist"
)

// Kinds lists every artifact kind in a stable order.
var Kinds = []Kind{Wheel, Sdist}

// ParseKind converts a user-supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case Wheel:
		return Wheel, nil
	case Sdist:
		return Sdist, nil
	}
	return "", errors.New(errors.ErrCodeInvalidInput, "unknown artifact kind %q (want wheel or sdist)", s)
}

func (k Kind) String() string { return string(k) }

// ArtifactRef identifies one downloadable file on the index.
// Values are immutable once produced by a [Reader].
type ArtifactRef struct {
	Package  string `json:"package"`
	Version  string `json:"version"`
	Kind     Kind   `json:"kind"`
	Tag      string `json:"tag,omitempty"` // interpreter tag, wheels only (e.g. "py3", "cp311")
	Filename string `json:"filename"`
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
}

// SortKey returns the key that defines snapshot order. Readers must yield
// refs with strictly increasing sort keys so a cursor can resume by key.
func (r ArtifactRef) SortKey() string {
	return r.Package + "\x00" + r.Version + "\x00" + r.Filename
}

// String returns a short human-readable identity.
func (r ArtifactRef) String() string {
	return r.Package + "==" + r.Version + " (" + r.Filename + ")"
}

// Validate checks that every field needed downstream is present and safe
// to use as a path component.
func (r ArtifactRef) Validate() error {
	if err := errors.ValidatePythonPackageName(r.Package); err != nil {
		return err
	}
	if r.Version == "" || strings.ContainsAny(r.Version, "/\\\x00") {
		return errors.New(errors.ErrCodeInvalidInput, "%s: invalid version %q", r.Package, r.Version)
	}
	if r.Kind != Wheel && r.Kind != Sdist {
		return errors.New(errors.ErrCodeInvalidInput, "%s: unknown kind %q", r.Package, r.Kind)
	}
	if err := errors.ValidateFilename(r.Filename); err != nil {
		return err
	}
	if err := errors.ValidateURL(r.URL); err != nil {
		return err
	}
	return errors.ValidateSHA256(r.SHA256)
}

// Reader is a restartable, deterministically ordered view of an index
// snapshot.
type Reader interface {
	// Iter yields every artifact in snapshot order. A non-nil error is
	// fatal for the iteration; callers stop after receiving one.
	Iter(ctx context.Context) iter.Seq2[ArtifactRef, error]

	// Revision returns an identifier that changes whenever the snapshot
	// content changes.
	Revision(ctx context.Context) (string, error)
}

// Filter restricts seq to refs of the given kind. Errors pass through.
func Filter(seq iter.Seq2[ArtifactRef, error], kind Kind) iter.Seq2[ArtifactRef, error] {
	return func(yield func(ArtifactRef, error) bool) {
		for ref, err := range seq {
			if err != nil {
				yield(ref, err)
				return
			}
			if ref.Kind != kind {
				continue
			}
			if !yield(ref, nil) {
				return
			}
		}
	}
}

// Collect drains seq into a slice. Intended for tests and small snapshots.
func Collect(seq iter.Seq2[ArtifactRef, error]) ([]ArtifactRef, error) {
	var refs []ArtifactRef
	for ref, err := range seq {
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

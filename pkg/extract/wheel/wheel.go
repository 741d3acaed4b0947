// Package wheel reads declared dependencies from built wheel archives.
//
// A wheel carries its core metadata in <name>-<version>.dist-info/METADATA.
// [Extract] opens the archive, parses that file and returns the
// Requires-Dist entries with their environment markers kept verbatim. No
// code from the archive is executed, so extraction is a pure function of
// the file contents.
package wheel

import (
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/matzehuels/depdb/pkg/deps"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/records"
)

// Metadata is the dependency-related subset of a wheel's core metadata.
type Metadata struct {
	MetadataVersion  string
	Name             string
	Version          string
	RequiresDist     []deps.Specifier
	ProvidesExtra    []string
	RequiresExternal []string
	RequiresPython   string
}

// Extract reads the dependency metadata of the wheel at path.
//
// Errors carry MALFORMED_ARTIFACT when the archive or METADATA is missing
// or unparseable, and UNSUPPORTED_FORMAT when Metadata-Version has a major
// version above 2.
func Extract(path string) (*Metadata, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedArtifact, err, "open wheel")
	}
	defer zr.Close()

	f, err := findMetadata(zr.File)
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedArtifact, err, "open %s", f.Name)
	}
	defer rc.Close()

	h, err := parseHeaders(rc)
	if err != nil {
		return nil, err
	}
	return fromHeaders(h)
}

// Record converts m into a dependency record body.
func (m *Metadata) Record() records.DependencyRecord {
	return records.DependencyRecord{
		Requires:         m.RequiresDist,
		ProvidesExtras:   m.ProvidesExtra,
		RequiresExternal: m.RequiresExternal,
		RequiresPython:   m.RequiresPython,
	}
}

// ToRecord extracts the wheel at path and builds the record for key. Any
// failure becomes an error record.
func ToRecord(key records.Key, path string, now time.Time) records.Record {
	m, err := Extract(path)
	if err != nil {
		return records.FromError(key, err, errors.ErrCodeMalformedArtifact, now)
	}
	return records.NewSuccess(key, m.Record(), now)
}

func findMetadata(files []*zip.File) (*zip.File, error) {
	var found *zip.File
	for _, f := range files {
		dir, base := path.Split(f.Name)
		if base != "METADATA" || !strings.HasSuffix(dir, ".dist-info/") || strings.Count(dir, "/") != 1 {
			continue
		}
		if found != nil {
			return nil, errors.New(errors.ErrCodeMalformedArtifact, "multiple .dist-info/METADATA files (%s, %s)", found.Name, f.Name)
		}
		found = f
	}
	if found == nil {
		return nil, errors.New(errors.ErrCodeMalformedArtifact, "no .dist-info/METADATA in wheel")
	}
	return found, nil
}

func fromHeaders(h headers) (*Metadata, error) {
	m := &Metadata{
		MetadataVersion:  h.first("metadata-version"),
		Name:             h.first("name"),
		Version:          h.first("version"),
		ProvidesExtra:    h["provides-extra"],
		RequiresExternal: h["requires-external"],
		RequiresPython:   h.first("requires-python"),
	}
	if err := checkMetadataVersion(m.MetadataVersion); err != nil {
		return nil, err
	}
	m.RequiresDist = make([]deps.Specifier, 0, len(h["requires-dist"]))
	for _, line := range h["requires-dist"] {
		spec, err := deps.ParseSpecifier(line)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeMalformedArtifact, err, "Requires-Dist")
		}
		m.RequiresDist = append(m.RequiresDist, spec)
	}
	return m, nil
}

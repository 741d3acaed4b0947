package index

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"os"

	"github.com/matzehuels/depdb/pkg/cache"
	"github.com/matzehuels/depdb/pkg/errors"
)

// maxLineSize bounds a single snapshot line.
const maxLineSize = 1 << 20

// JSONL reads a snapshot stored as newline-delimited JSON.
type JSONL struct {
	path string
}

// OpenJSONL returns a reader for the snapshot file at path.
func OpenJSONL(path string) (*JSONL, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSnapshot, err, "open snapshot")
	}
	if info.IsDir() {
		return nil, errors.New(errors.ErrCodeSnapshot, "snapshot %s is a directory", path)
	}
	return &JSONL{path: path}, nil
}

type jsonlLine struct {
	ArtifactRef
	Revision string `json:"revision,omitempty"`
}

// Revision returns the header revision if present, otherwise the sha256
// of the whole file.
func (j *JSONL) Revision(ctx context.Context) (string, error) {
	f, err := os.Open(j.path)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeSnapshot, err, "open snapshot")
	}
	defer f.Close()

	br := bufio.NewReader(f)
	first, err := br.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return "", errors.Wrap(errors.ErrCodeSnapshot, err, "read snapshot")
	}
	var line jsonlLine
	if json.Unmarshal(bytes.TrimSpace(first), &line) == nil && line.Revision != "" && line.Package == "" {
		return line.Revision, nil
	}

	sum, _, err := cache.HashReader(io.MultiReader(bytes.NewReader(first), br))
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeSnapshot, err, "hash snapshot")
	}
	return sum, nil
}

// Iter yields every artifact in file order. Blank lines are skipped.
// Lines out of sort order, duplicates and invalid refs are fatal.
func (j *JSONL) Iter(ctx context.Context) iter.Seq2[ArtifactRef, error] {
	return func(yield func(ArtifactRef, error) bool) {
		f, err := os.Open(j.path)
		if err != nil {
			yield(ArtifactRef{}, errors.Wrap(errors.ErrCodeSnapshot, err, "open snapshot"))
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		var prev string
		lineNo := 0
		for sc.Scan() {
			lineNo++
			if err := ctx.Err(); err != nil {
				yield(ArtifactRef{}, err)
				return
			}
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}
			var line jsonlLine
			if err := json.Unmarshal(raw, &line); err != nil {
				yield(ArtifactRef{}, errors.Wrap(errors.ErrCodeSnapshot, err, "line %d", lineNo))
				return
			}
			if line.Revision != "" && line.Package == "" {
				continue
			}
			ref := line.ArtifactRef
			if err := ref.Validate(); err != nil {
				yield(ArtifactRef{}, errors.Wrap(errors.ErrCodeSnapshot, err, "line %d", lineNo))
				return
			}
			key := ref.SortKey()
			if prev != "" && key <= prev {
				yield(ArtifactRef{}, errors.New(errors.ErrCodeSnapshot, "line %d: %s is out of order", lineNo, ref))
				return
			}
			prev = key
			if !yield(ref, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(ArtifactRef{}, errors.Wrap(errors.ErrCodeSnapshot, err, "read snapshot"))
		}
	}
}

var _ Reader = (*JSONL)(nil)

package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/matzehuels/depdb/pkg/errors"
)

// DefaultBaseURL is the download host used to construct artifact URLs.
const DefaultBaseURL = "https://files.pythonhosted.org/packages"

// Buckets reads the pypi-fetcher layout: a directory of bucket files
// (00.json through ff.json) each mapping
//
//	name -> version -> {"sdist": [sha256, filename], "wheels": {filename: [sha256, pyver]}}
//
// The whole index is materialized and sorted on each call to Iter.
type Buckets struct {
	dir     string
	baseURL string

	// OnInvalid, when set, is called for entries that fail validation.
	// Such entries are skipped.
	OnInvalid func(ref ArtifactRef, err error)
}

type bucketRelease struct {
	Sdist  []string            `json:"sdist"`
	Wheels map[string][]string `json:"wheels"`
}

// OpenBuckets returns a reader for the bucket directory dir. An empty
// baseURL selects [DefaultBaseURL].
func OpenBuckets(dir, baseURL string) (*Buckets, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSnapshot, err, "open snapshot")
	}
	if !info.IsDir() {
		return nil, errors.New(errors.ErrCodeSnapshot, "snapshot %s is not a directory", dir)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Buckets{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (b *Buckets) files() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(b.dir, "*.json"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSnapshot, err, "list buckets")
	}
	sort.Strings(paths)
	return paths, nil
}

// Revision returns the content of REVISION if present, otherwise a sha256
// over all bucket files in name order.
func (b *Buckets) Revision(ctx context.Context) (string, error) {
	if data, err := os.ReadFile(filepath.Join(b.dir, "REVISION")); err == nil {
		if rev := strings.TrimSpace(string(data)); rev != "" {
			return rev, nil
		}
	}
	paths, err := b.files()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		f, err := os.Open(p)
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeSnapshot, err, "open bucket")
		}
		io.WriteString(h, filepath.Base(p))
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeSnapshot, err, "hash bucket")
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Iter yields every wheel and sdist across all buckets in sort-key order.
func (b *Buckets) Iter(ctx context.Context) iter.Seq2[ArtifactRef, error] {
	return func(yield func(ArtifactRef, error) bool) {
		refs, err := b.load(ctx)
		if err != nil {
			yield(ArtifactRef{}, err)
			return
		}
		for _, ref := range refs {
			if err := ctx.Err(); err != nil {
				yield(ArtifactRef{}, err)
				return
			}
			if !yield(ref, nil) {
				return
			}
		}
	}
}

func (b *Buckets) load(ctx context.Context) ([]ArtifactRef, error) {
	paths, err := b.files()
	if err != nil {
		return nil, err
	}
	var refs []ArtifactRef
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeSnapshot, err, "read bucket %s", filepath.Base(p))
		}
		var bucket map[string]map[string]bucketRelease
		if err := json.Unmarshal(data, &bucket); err != nil {
			return nil, errors.Wrap(errors.ErrCodeSnapshot, err, "decode bucket %s", filepath.Base(p))
		}
		for name, versions := range bucket {
			for version, rel := range versions {
				refs = b.appendRelease(refs, name, version, rel)
			}
		}
	}
	slices.SortFunc(refs, func(a, c ArtifactRef) int {
		return strings.Compare(a.SortKey(), c.SortKey())
	})
	refs = slices.CompactFunc(refs, func(a, c ArtifactRef) bool {
		return a.SortKey() == c.SortKey()
	})
	return refs, nil
}

func (b *Buckets) appendRelease(refs []ArtifactRef, name, version string, rel bucketRelease) []ArtifactRef {
	if name == "" {
		return refs
	}
	if len(rel.Sdist) >= 2 {
		ref := ArtifactRef{
			Package:  name,
			Version:  version,
			Kind:     Sdist,
			Filename: rel.Sdist[1],
			SHA256:   rel.Sdist[0],
			URL:      b.SdistURL(name, rel.Sdist[1]),
		}
		refs = b.keep(refs, ref)
	}
	for filename, data := range rel.Wheels {
		if len(data) < 2 {
			continue
		}
		ref := ArtifactRef{
			Package:  name,
			Version:  version,
			Kind:     Wheel,
			Tag:      data[1],
			Filename: filename,
			SHA256:   data[0],
			URL:      b.WheelURL(name, data[1], filename),
		}
		refs = b.keep(refs, ref)
	}
	return refs
}

func (b *Buckets) keep(refs []ArtifactRef, ref ArtifactRef) []ArtifactRef {
	if err := ref.Validate(); err != nil {
		if b.OnInvalid != nil {
			b.OnInvalid(ref, err)
		}
		return refs
	}
	return append(refs, ref)
}

// WheelURL builds the download URL of a wheel from its interpreter tag.
func (b *Buckets) WheelURL(name, pyver, filename string) string {
	return b.baseURL + "/" + pyver + "/" + name[:1] + "/" + name + "/" + filename
}

// SdistURL builds the download URL of a source distribution.
func (b *Buckets) SdistURL(name, filename string) string {
	return b.baseURL + "/source/" + name[:1] + "/" + name + "/" + filename
}

var _ Reader = (*Buckets)(nil)

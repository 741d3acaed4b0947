package sdist

import (
	"archive/tar"
	"compress/bzip2"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/matzehuels/depdb/pkg/errors"
)

// Limits bounds what an archive may expand to.
type Limits struct {
	MaxFiles     int   // members, directories included
	MaxBytes     int64 // total uncompressed size
	MaxFileBytes int64 // single member size
}

// DefaultLimits are generous enough for real-world sdists.
var DefaultLimits = Limits{
	MaxFiles:     50_000,
	MaxBytes:     2 << 30,
	MaxFileBytes: 512 << 20,
}

// errMultipleDirs matches the diagnostic the probe pipeline has always
// produced for archives without a single root.
const errMultipleDirs = "unpacker produced multiple directories"

type format int

const (
	formatUnknown format = iota
	formatTarGz
	formatTarBz2
	formatTar
	formatZip
)

func detectFormat(filename string) format {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return formatTarGz
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz"):
		return formatTarBz2
	case strings.HasSuffix(name, ".tar"):
		return formatTar
	case strings.HasSuffix(name, ".zip"):
		return formatZip
	}
	return formatUnknown
}

// Unpack expands the archive at src into dest and returns the path of its
// single top-level directory. The format is chosen from filename since
// cached artifacts are stored under their hash.
func Unpack(src, filename, dest string, lim Limits) (string, error) {
	u := &unpacker{dest: dest, lim: lim, roots: make(map[string]bool)}

	var err error
	switch detectFormat(filename) {
	case formatTarGz:
		err = u.tarFile(src, func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) })
	case formatTarBz2:
		err = u.tarFile(src, func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil })
	case formatTar:
		err = u.tarFile(src, func(r io.Reader) (io.Reader, error) { return r, nil })
	case formatZip:
		err = u.zipFile(src)
	default:
		return "", errors.New(errors.ErrCodeUnsupportedFormat, "unsupported sdist format: %s", filename)
	}
	if err != nil {
		return "", err
	}
	return u.root()
}

type unpacker struct {
	dest  string
	lim   Limits
	files int
	bytes int64
	roots map[string]bool
	flat  bool // a regular file sits at the archive root
}

func (u *unpacker) root() (string, error) {
	switch {
	case len(u.roots) > 1:
		return "", errors.New(errors.ErrCodeMalformedArtifact, errMultipleDirs)
	case len(u.roots) == 0 || u.flat:
		return "", errors.New(errors.ErrCodeMalformedArtifact, "sdist has no top-level directory")
	}
	for r := range u.roots {
		return filepath.Join(u.dest, r), nil
	}
	return "", nil
}

func (u *unpacker) tarFile(src string, decompress func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrap(errors.ErrCodeMalformedArtifact, err, "open sdist")
	}
	defer f.Close()

	r, err := decompress(f)
	if err != nil {
		return errors.Wrap(errors.ErrCodeMalformedArtifact, err, "decompress sdist")
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(errors.ErrCodeMalformedArtifact, err, "read tar")
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := u.dir(hdr.Name); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := u.file(hdr.Name, hdr.FileInfo().Mode(), hdr.Size, tr); err != nil {
				return err
			}
		default:
			// Links, devices and pax headers are never materialized.
		}
	}
}

func (u *unpacker) zipFile(src string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return errors.Wrap(errors.ErrCodeMalformedArtifact, err, "open zip")
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if strings.HasSuffix(zf.Name, "/") {
			if err := u.dir(zf.Name); err != nil {
				return err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return errors.Wrap(errors.ErrCodeMalformedArtifact, err, "open %s", zf.Name)
		}
		err = u.file(zf.Name, zf.Mode(), int64(zf.UncompressedSize64), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// clean validates an archive member name and records its root component.
func (u *unpacker) clean(name string) (string, error) {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimSuffix(name, "/")
	if name == "" || name == "." {
		return "", nil
	}
	if err := errors.ValidatePath(name); err != nil {
		return "", errors.Wrap(errors.ErrCodeMalformedArtifact, err, "unsafe member %q", name)
	}
	name = path.Clean(name)

	u.files++
	if u.lim.MaxFiles > 0 && u.files > u.lim.MaxFiles {
		return "", errors.New(errors.ErrCodeMalformedArtifact, "sdist has more than %d members", u.lim.MaxFiles)
	}
	root, _, _ := strings.Cut(name, "/")
	u.roots[root] = true
	return name, nil
}

func (u *unpacker) dir(name string) error {
	name, err := u.clean(name)
	if err != nil || name == "" {
		return err
	}
	if err := os.MkdirAll(filepath.Join(u.dest, filepath.FromSlash(name)), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeMalformedArtifact, err, "create %s", name)
	}
	return nil
}

func (u *unpacker) file(name string, mode os.FileMode, size int64, r io.Reader) error {
	name, err := u.clean(name)
	if err != nil || name == "" {
		return err
	}
	if !strings.Contains(name, "/") {
		u.flat = true
	}
	if u.lim.MaxFileBytes > 0 && size > u.lim.MaxFileBytes {
		return errors.New(errors.ErrCodeMalformedArtifact, "member %s is %d bytes, limit %d", name, size, u.lim.MaxFileBytes)
	}

	target := filepath.Join(u.dest, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeMalformedArtifact, err, "create %s", path.Dir(name))
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644|(mode&0o111))
	if err != nil {
		return errors.Wrap(errors.ErrCodeMalformedArtifact, err, "create %s", name)
	}

	limit := u.lim.MaxBytes - u.bytes
	if u.lim.MaxBytes <= 0 {
		limit = size + 1
	}
	n, err := io.Copy(out, io.LimitReader(r, limit+1))
	u.bytes += n
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(errors.ErrCodeMalformedArtifact, err, "extract %s", name)
	}
	if u.lim.MaxBytes > 0 && u.bytes > u.lim.MaxBytes {
		return errors.New(errors.ErrCodeMalformedArtifact, "sdist expands beyond %d bytes", u.lim.MaxBytes)
	}
	return nil
}

package wheel

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/matzehuels/depdb/pkg/deps"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/records"
)

// writeWheel builds a wheel with the given members and returns its path.
func writeWheel(t *testing.T, members map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pkg-1.0-py3-none-any.whl")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, body := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

const exampleMetadata = `Metadata-Version: 2.1
Name: pkg
Version: 1.0
Summary: An example
Requires-Python: >=2.7
Requires-Dist: requests>=2.0
Requires-Dist: six; python_version<'3'
Provides-Extra: socks
Requires-Dist: PySocks (!=1.5.7,>=1.5.6) ; extra == 'socks'

Long description with a line that looks like
Requires-Dist: ignored
`

func TestExtract(t *testing.T) {
	p := writeWheel(t, map[string]string{
		"pkg/__init__.py":            "",
		"pkg-1.0.dist-info/METADATA": exampleMetadata,
		"pkg-1.0.dist-info/RECORD":   "",
	})

	m, err := Extract(p)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	want := []deps.Specifier{
		{Name: "requests", Constraint: ">=2.0"},
		{Name: "six", Marker: "python_version<'3'"},
		{Name: "PySocks", Constraint: "!=1.5.7,>=1.5.6", Marker: "extra == 'socks'"},
	}
	if !reflect.DeepEqual(m.RequiresDist, want) {
		t.Errorf("RequiresDist = %+v\nwant %+v", m.RequiresDist, want)
	}
	if m.Name != "pkg" || m.Version != "1.0" || m.MetadataVersion != "2.1" {
		t.Errorf("identity = %q %q %q", m.Name, m.Version, m.MetadataVersion)
	}
	if m.RequiresPython != ">=2.7" {
		t.Errorf("RequiresPython = %q", m.RequiresPython)
	}
	if !reflect.DeepEqual(m.ProvidesExtra, []string{"socks"}) {
		t.Errorf("ProvidesExtra = %v", m.ProvidesExtra)
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	p := writeWheel(t, map[string]string{"pkg-1.0.dist-info/METADATA": exampleMetadata})
	a, err := Extract(p)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Extract(p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("two extractions of the same file differ")
	}
}

func TestExtractErrors(t *testing.T) {
	tests := []struct {
		name    string
		members map[string]string
		want    errors.Code
	}{
		{
			name:    "no metadata",
			members: map[string]string{"pkg/__init__.py": ""},
			want:    errors.ErrCodeMalformedArtifact,
		},
		{
			name:    "nested metadata ignored",
			members: map[string]string{"pkg/_vendor/x-1.0.dist-info/METADATA": exampleMetadata},
			want:    errors.ErrCodeMalformedArtifact,
		},
		{
			name: "two dist-info dirs",
			members: map[string]string{
				"a-1.0.dist-info/METADATA": exampleMetadata,
				"b-1.0.dist-info/METADATA": exampleMetadata,
			},
			want: errors.ErrCodeMalformedArtifact,
		},
		{
			name:    "missing metadata version",
			members: map[string]string{"pkg-1.0.dist-info/METADATA": "Name: pkg\nVersion: 1.0\n"},
			want:    errors.ErrCodeMalformedArtifact,
		},
		{
			name:    "future metadata version",
			members: map[string]string{"pkg-1.0.dist-info/METADATA": "Metadata-Version: 3.0\nName: pkg\n"},
			want:    errors.ErrCodeUnsupportedFormat,
		},
		{
			name:    "garbage header",
			members: map[string]string{"pkg-1.0.dist-info/METADATA": "this is not metadata\n"},
			want:    errors.ErrCodeMalformedArtifact,
		},
		{
			name:    "bad requirement",
			members: map[string]string{"pkg-1.0.dist-info/METADATA": "Metadata-Version: 2.1\nRequires-Dist: ???\n"},
			want:    errors.ErrCodeMalformedArtifact,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(writeWheel(t, tt.members))
			if got := errors.GetCode(err); got != tt.want {
				t.Errorf("Extract() code = %q (%v), want %q", got, err, tt.want)
			}
		})
	}
}

func TestExtractNotAZip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "broken.whl")
	if err := os.WriteFile(p, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Extract(p); !errors.Is(err, errors.ErrCodeMalformedArtifact) {
		t.Errorf("Extract() = %v, want MALFORMED_ARTIFACT", err)
	}
}

func TestParseHeadersContinuation(t *testing.T) {
	h, err := parseHeaders(strings.NewReader("Metadata-Version: 2.1\r\nLicense: MIT\r\n   and more\r\nRequires-Dist: a\r\n\r\nbody"))
	if err != nil {
		t.Fatal(err)
	}
	if got := h.first("license"); got != "MIT\nand more" {
		t.Errorf("license = %q", got)
	}
	if got := h["requires-dist"]; len(got) != 1 || got[0] != "a" {
		t.Errorf("requires-dist = %v", got)
	}
}

func TestToRecord(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	key := records.Key{Package: "pkg", Version: "1.0", Kind: index.Wheel, Artifact: "pkg-1.0-py3-none-any.whl"}

	ok := ToRecord(key, writeWheel(t, map[string]string{"pkg-1.0.dist-info/METADATA": exampleMetadata}), now)
	if !ok.IsSuccess() || len(ok.Success.Requires) != 3 || ok.Success.ExtractorVersion != records.ExtractorVersion {
		t.Errorf("success record = %+v", ok.Success)
	}

	bad := ToRecord(key, writeWheel(t, map[string]string{"x.py": ""}), now)
	if bad.IsSuccess() || bad.Error.Kind != errors.ErrCodeMalformedArtifact || bad.Error.Diagnostic == "" {
		t.Errorf("error record = %+v", bad.Error)
	}
}

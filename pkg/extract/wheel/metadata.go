package wheel

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/matzehuels/depdb/pkg/errors"
)

// maxMetadataBytes bounds the METADATA member read into memory.
const maxMetadataBytes = 4 << 20

// headers is a parsed core-metadata header block. Keys are lower-cased;
// repeated fields keep every value in order.
type headers map[string][]string

func (h headers) first(key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// parseHeaders reads RFC 822 style "Key: value" fields up to the first
// blank line. Continuation lines start with whitespace and are joined to
// the previous value with a newline.
func parseHeaders(r io.Reader) (headers, error) {
	h := make(headers)
	sc := bufio.NewScanner(io.LimitReader(r, maxMetadataBytes))
	sc.Buffer(make([]byte, 0, 64<<10), maxMetadataBytes)

	var key string
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if key == "" {
				return nil, errors.New(errors.ErrCodeMalformedArtifact, "METADATA line %d: continuation without field", lineNo)
			}
			vals := h[key]
			vals[len(vals)-1] += "\n" + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.ContainsAny(name, " \t") || name == "" {
			return nil, errors.New(errors.ErrCodeMalformedArtifact, "METADATA line %d: expected 'Field: value'", lineNo)
		}
		key = strings.ToLower(name)
		h[key] = append(h[key], strings.TrimSpace(value))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedArtifact, err, "read METADATA")
	}
	return h, nil
}

// checkMetadataVersion accepts any 1.x or 2.x metadata version.
func checkMetadataVersion(v string) error {
	if v == "" {
		return errors.New(errors.ErrCodeMalformedArtifact, "METADATA has no Metadata-Version")
	}
	major, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(major)
	if err != nil || n < 1 {
		return errors.New(errors.ErrCodeMalformedArtifact, "invalid Metadata-Version %q", v)
	}
	if n > 2 {
		return errors.New(errors.ErrCodeUnsupportedFormat, "unsupported Metadata-Version %s", v)
	}
	return nil
}

package sdist

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/matzehuels/depdb/pkg/errors"
)

// cookieRE is the PEP 263 source encoding declaration.
var cookieRE = regexp.MustCompile(`^[ \t\f]*#.*?coding[:=][ \t]*([-\w.]+)`)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// pythonCodecAliases maps codec names Python accepts to IANA names.
var pythonCodecAliases = map[string]string{
	"utf8":        "utf-8",
	"utf_8":       "utf-8",
	"u8":          "utf-8",
	"latin-1":     "iso-8859-1",
	"latin_1":     "iso-8859-1",
	"latin1":      "iso-8859-1",
	"l1":          "iso-8859-1",
	"iso8859-1":   "iso-8859-1",
	"iso-latin-1": "iso-8859-1",
	"ascii":       "us-ascii",
	"cp1252":      "windows-1252",
	"cp1251":      "windows-1251",
	"euc_jp":      "euc-jp",
	"shift_jis":   "shift_jis",
	"gbk":         "gbk",
	"big5":        "big5",
	"koi8_r":      "koi8-r",
}

// sourceCookie returns the declared encoding from the first two lines of
// src, or "" when there is none.
func sourceCookie(src []byte) string {
	lines := bytes.SplitN(src, []byte("\n"), 3)
	for i, line := range lines {
		if i >= 2 {
			break
		}
		if m := cookieRE.FindSubmatch(line); m != nil {
			return strings.ToLower(string(m[1]))
		}
		// PEP 263: the cookie may only be on line 2 if line 1 is a comment.
		if t := bytes.TrimSpace(line); len(t) > 0 && t[0] != '#' {
			break
		}
	}
	return ""
}

// canonicalCodec maps a Python codec name onto its IANA name.
func canonicalCodec(name string) string {
	if alias, ok := pythonCodecAliases[name]; ok {
		return alias
	}
	return name
}

// resolveCodec looks up a canonical codec name in the IANA and MIME
// indexes.
func resolveCodec(name string) (encoding.Encoding, error) {
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		enc, err = ianaindex.MIME.Encoding(name)
	}
	if err != nil || enc == nil {
		return nil, errors.New(errors.ErrCodeUnsupportedEncoding, "unknown source encoding %q", name)
	}
	return enc, nil
}

func firstNonASCII(b []byte) int {
	return bytes.IndexFunc(b, func(r rune) bool { return r >= utf8.RuneSelf })
}

// checkSourceEncoding verifies that an interpreter of the given version
// can decode the build script src. Python 2 defaults to ASCII and
// Python 3 to UTF-8 when no cookie is present.
func checkSourceEncoding(src []byte, python string) error {
	body, hasBOM := bytes.CutPrefix(src, utf8BOM)
	cookie := sourceCookie(body)

	if cookie == "" {
		switch {
		case hasBOM || !strings.HasPrefix(python, "2."):
			if !utf8.Valid(body) {
				return errors.New(errors.ErrCodeUnsupportedEncoding, "%s is not valid UTF-8", SetupPy)
			}
		default:
			if i := firstNonASCII(body); i >= 0 {
				return errors.New(errors.ErrCodeUnsupportedEncoding, "non-ASCII byte at offset %d of %s without encoding declaration", i, SetupPy)
			}
		}
		return nil
	}

	switch codec := canonicalCodec(cookie); codec {
	case "utf-8":
		if !utf8.Valid(body) {
			return errors.New(errors.ErrCodeUnsupportedEncoding, "%s declares utf-8 but is not valid UTF-8", SetupPy)
		}
		return nil
	case "us-ascii":
		if i := firstNonASCII(body); i >= 0 {
			return errors.New(errors.ErrCodeUnsupportedEncoding, "non-ASCII byte at offset %d of %s declared ascii", i, SetupPy)
		}
		return nil
	default:
		enc, err := resolveCodec(codec)
		if err != nil {
			return err
		}
		if hasBOM {
			return errors.New(errors.ErrCodeUnsupportedEncoding, "%s has a UTF-8 BOM but declares %s", SetupPy, cookie)
		}
		if _, err := enc.NewDecoder().Bytes(body); err != nil {
			return errors.Wrap(errors.ErrCodeUnsupportedEncoding, err, "decode %s as %s", SetupPy, cookie)
		}
		return nil
	}
}

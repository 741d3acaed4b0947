package deps

import (
	"regexp"
	"strings"

	"github.com/matzehuels/depdb/pkg/errors"
)

var (
	nameRE      = regexp.MustCompile(`^\s*([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)`)
	extrasRE    = regexp.MustCompile(`^\s*\[([^\]]*)\]`)
	normalizeRE = regexp.MustCompile(`[-_.]+`)
	spaceRE     = regexp.MustCompile(`\s+`)
)

// Specifier is one declared dependency: a distribution name with optional
// extras, a version constraint and an environment marker. Markers are kept
// verbatim and never evaluated.
type Specifier struct {
	Name       string   `json:"name"`
	Extras     []string `json:"extras,omitempty"`
	Constraint string   `json:"constraint,omitempty"`
	URL        string   `json:"url,omitempty"`
	Marker     string   `json:"marker,omitempty"`
}

// ParseSpecifier parses a PEP 508 requirement string such as
//
//	requests[security] (>=2.0,<3) ; python_version < "3.8"
func ParseSpecifier(s string) (Specifier, error) {
	var spec Specifier

	body, marker, _ := strings.Cut(s, ";")
	spec.Marker = strings.TrimSpace(marker)

	m := nameRE.FindStringSubmatch(body)
	if m == nil {
		return Specifier{}, errors.New(errors.ErrCodeInvalidInput, "invalid requirement %q", strings.TrimSpace(s))
	}
	spec.Name = m[1]
	rest := body[len(m[0]):]

	if em := extrasRE.FindStringSubmatch(rest); em != nil {
		for _, e := range strings.Split(em[1], ",") {
			if e = strings.TrimSpace(e); e != "" {
				spec.Extras = append(spec.Extras, e)
			}
		}
		rest = rest[len(em[0]):]
	}

	rest = strings.TrimSpace(rest)
	switch {
	case strings.HasPrefix(rest, "@"):
		spec.URL = strings.TrimSpace(rest[1:])
		if spec.URL == "" {
			return Specifier{}, errors.New(errors.ErrCodeInvalidInput, "requirement %q has empty URL", spec.Name)
		}
	case rest != "":
		rest = strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")")
		spec.Constraint = spaceRE.ReplaceAllString(rest, "")
		if strings.ContainsAny(spec.Constraint, "()[]") {
			return Specifier{}, errors.New(errors.ErrCodeInvalidInput, "invalid version constraint in %q", strings.TrimSpace(s))
		}
	}
	return spec, nil
}

// ParseSpecifiers parses every entry of list in order.
func ParseSpecifiers(list []string) ([]Specifier, error) {
	out := make([]Specifier, 0, len(list))
	for _, s := range list {
		spec, err := ParseSpecifier(s)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

// String renders the specifier back into PEP 508 form.
func (s Specifier) String() string {
	var b strings.Builder
	b.WriteString(s.Name)
	if len(s.Extras) > 0 {
		b.WriteString("[" + strings.Join(s.Extras, ",") + "]")
	}
	switch {
	case s.URL != "":
		b.WriteString(" @ " + s.URL)
	case s.Constraint != "":
		b.WriteString(s.Constraint)
	}
	if s.Marker != "" {
		if s.URL != "" {
			b.WriteString(" ")
		}
		b.WriteString("; " + s.Marker)
	}
	return b.String()
}

// NormalizeName converts a distribution name to its PEP 503 canonical form.
func NormalizeName(name string) string {
	return normalizeRE.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

package deps

import (
	"fmt"
	"sort"
	"strings"
)

// Flatten turns a requirement value reported by a build script into a flat
// list of requirement strings. Build scripts pass strings, lists of
// strings or arbitrarily nested lists. Strings are split on newlines and
// blank or comment lines are dropped.
func Flatten(v any) ([]string, error) {
	var out []string
	if err := flatten(v, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(v any, out *[]string) error {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		for _, line := range strings.Split(t, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			*out = append(*out, line)
		}
		return nil
	case []any:
		for _, elem := range t {
			if err := flatten(elem, out); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("requirements must be strings or lists, got %T", v)
	}
}

// FlattenExtras turns an extras_require value into a map from extra name
// to flat requirement list. Lists and empty values yield an empty map.
// Keys of the form "name:marker" keep the marker on each entry. Keys with
// an empty name, such as ":sys_platform=='win32'", are conditional install
// requirements and are returned in install instead of under an extra.
// Keys are visited in lexical order so equal input yields equal output.
func FlattenExtras(v any) (extras map[string][]string, install []string, err error) {
	switch t := v.(type) {
	case nil:
		return map[string][]string{}, nil, nil
	case string, []any:
		reqs, err := Flatten(t)
		if err != nil {
			return nil, nil, err
		}
		if len(reqs) > 0 {
			return nil, nil, fmt.Errorf("extras_require must be a mapping, got %T", v)
		}
		return map[string][]string{}, nil, nil
	case map[string]any:
		extras = make(map[string][]string, len(t))
		for _, name := range SortedKeys(t) {
			reqs, err := Flatten(t[name])
			if err != nil {
				return nil, nil, fmt.Errorf("extra %q: %w", name, err)
			}
			extra, marker, _ := strings.Cut(name, ":")
			if marker = strings.TrimSpace(marker); marker != "" {
				for i, r := range reqs {
					reqs[i] = withMarker(r, marker)
				}
			}
			extra = strings.TrimSpace(extra)
			if extra == "" {
				install = append(install, reqs...)
				continue
			}
			extras[extra] = append(extras[extra], reqs...)
		}
		return extras, install, nil
	default:
		return nil, nil, fmt.Errorf("extras_require must be a mapping, got %T", v)
	}
}

func withMarker(req, marker string) string {
	if body, existing, ok := strings.Cut(req, ";"); ok {
		return strings.TrimSpace(body) + "; (" + strings.TrimSpace(existing) + ") and (" + marker + ")"
	}
	return req + "; " + marker
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

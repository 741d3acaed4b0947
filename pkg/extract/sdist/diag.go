package sdist

import (
	"regexp"
	"strings"
)

// Diagnostic limits.
const (
	maxDiagLineRunes = 400
	maxDiagLines     = 90
)

var (
	storeHashRE  = regexp.MustCompile(`(.*/nix/store/)\w+(-.*)`)
	spacesRE     = regexp.MustCompile(` {2,}`)
	pythonVerRE  = regexp.MustCompile(`python[\d.\-ab]+`)
	lineNumRE    = regexp.MustCompile(`line \d+`)
	tmpDirRE     = regexp.MustCompile(`tmp\w*`)
	errorTailRE  = regexp.MustCompile(`(?s)^.*\s([\w.]*Error:.*)$`)
	commonErrors = []string{errMultipleDirs}
	noiseMarkers = []string{
		"/homeless-shelter/.cache/pip/http",
		"/homeless-shelter/.cache/pip",
		"DEPRECATION: Python 2.7",
	}
)

// NormalizeDiagnostic rewrites build output into a short, stable form:
// store hashes, interpreter versions, line numbers, temporary paths and the
// package version are replaced by placeholders, exception output is cut
// down to the final "...Error: ..." message, and the result is limited to
// 90 lines of at most 400 characters.
func NormalizeDiagnostic(log, pkgVersion string) string {
	log = storeHashRE.ReplaceAllString(log, "${1}#hash#${2}")
	log = spacesRE.ReplaceAllString(log, " ")
	log = pythonVerRE.ReplaceAllString(log, "python#VER#")
	log = lineNumRE.ReplaceAllString(log, "line #NUM#")
	log = tmpDirRE.ReplaceAllString(log, "#TMP#")
	if pkgVersion != "" {
		log = strings.ReplaceAll(log, pkgVersion, "#PKG_VER#")
	}

	for _, common := range commonErrors {
		if strings.Contains(log, common) {
			log = common
			break
		}
	}
	if m := errorTailRE.FindStringSubmatch(log); m != nil {
		log = m[1]
	}

	lines := strings.SplitAfter(log, "\n")
	out := make([]string, 0, min(len(lines), maxDiagLines))
	for _, line := range lines {
		if len(out) == maxDiagLines {
			break
		}
		if line == "" || containsAny(line, noiseMarkers) {
			continue
		}
		out = append(out, truncateRunes(line, maxDiagLineRunes))
	}
	return strings.Join(out, "")
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

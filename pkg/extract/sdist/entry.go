package sdist

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/matzehuels/depdb/pkg/errors"
)

// Entry point file names, relative to the project root.
const (
	SetupPy       = "setup.py"
	PyprojectToml = "pyproject.toml"
)

// pyproject is the subset of pyproject.toml the extractor looks at.
type pyproject struct {
	BuildSystem *struct {
		Requires     []string `toml:"requires"`
		BuildBackend string   `toml:"build-backend"`
	} `toml:"build-system"`
	Project *struct {
		Dependencies         []string            `toml:"dependencies"`
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
		RequiresPython       string              `toml:"requires-python"`
		Dynamic              []string            `toml:"dynamic"`
	} `toml:"project"`
}

// staticDeps reports whether the [project] table declares its
// dependencies without deferring them to the build backend.
func (p *pyproject) staticDeps() bool {
	if p == nil || p.Project == nil {
		return false
	}
	for _, d := range p.Project.Dynamic {
		if d == "dependencies" || d == "optional-dependencies" {
			return false
		}
	}
	return true
}

// project describes what was found at an unpacked sdist root.
type project struct {
	root      string
	entry     string     // SetupPy, PyprojectToml or empty
	pyproject *pyproject // nil when absent or without [build-system]
}

// detectEntry finds the build entry point: setup.py first, then a
// pyproject.toml with a [build-system] table. An unreadable pyproject.toml
// is only an error when there is no setup.py to fall back on.
func detectEntry(root string) (*project, error) {
	p := &project{root: root}
	pp, perr := readPyproject(root)
	if perr == nil {
		p.pyproject = pp
	}

	if info, err := os.Stat(filepath.Join(root, SetupPy)); err == nil && info.Mode().IsRegular() {
		p.entry = SetupPy
		return p, nil
	}
	if perr != nil {
		return nil, perr
	}
	if p.pyproject != nil && p.pyproject.BuildSystem != nil {
		p.entry = PyprojectToml
	}
	return p, nil
}

// readPyproject returns nil without error when the file is absent or
// declares neither [build-system] nor [project].
func readPyproject(root string) (*pyproject, error) {
	data, err := os.ReadFile(filepath.Join(root, PyprojectToml))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedArtifact, err, "read %s", PyprojectToml)
	}
	var pp pyproject
	if _, err := toml.Decode(string(data), &pp); err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedArtifact, err, "parse %s", PyprojectToml)
	}
	if pp.BuildSystem == nil && pp.Project == nil {
		return nil, nil
	}
	return &pp, nil
}

// supports reports whether the entry point can run on python. Projects
// that only ship pyproject.toml need a PEP 517 capable interpreter.
func (p *project) supports(python string) bool {
	switch p.entry {
	case SetupPy:
		return true
	case PyprojectToml:
		return !strings.HasPrefix(python, "2.")
	}
	return false
}

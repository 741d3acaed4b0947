package sdist

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/matzehuels/depdb/pkg/deps"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/records"
)

//go:embed probe.py
var probeScript []byte

// Files the probe adds to the project root.
const (
	probeFile  = ".depdb_probe.py"
	resultFile = ".depdb_result.json"
)

// Probe exit codes.
const (
	exitNoBuildScript = 3
	exitEncoding      = 4
)

// probeResult is the JSON the probe writes. Values keep whatever shape
// the build script passed to setup().
type probeResult struct {
	InstallRequires any `json:"install_requires"`
	SetupRequires   any `json:"setup_requires"`
	ExtrasRequire   any `json:"extras_require"`
	TestsRequire    any `json:"tests_require"`
	PythonRequires  any `json:"python_requires"`
}

func installProbe(root string) (string, error) {
	p := filepath.Join(root, probeFile)
	if err := os.WriteFile(p, probeScript, 0o644); err != nil {
		return "", errors.Wrap(errors.ErrCodeInternal, err, "install probe")
	}
	return p, nil
}

func readProbeResult(root string) (*records.DependencyRecord, error) {
	data, err := os.ReadFile(filepath.Join(root, resultFile))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBuildScriptError, err, "probe produced no result")
	}
	var res probeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrap(errors.ErrCodeBuildScriptError, err, "decode probe result")
	}
	return res.record()
}

func (r probeResult) record() (*records.DependencyRecord, error) {
	var rec records.DependencyRecord
	var err error

	if rec.Requires, err = specifiers("install_requires", r.InstallRequires); err != nil {
		return nil, err
	}
	if rec.SetupRequires, err = specifiers("setup_requires", r.SetupRequires); err != nil {
		return nil, err
	}
	if rec.TestsRequire, err = specifiers("tests_require", r.TestsRequire); err != nil {
		return nil, err
	}

	extras, conditional, ferr := deps.FlattenExtras(r.ExtrasRequire)
	if ferr != nil {
		return nil, errors.Wrap(errors.ErrCodeBuildScriptError, ferr, "extras_require")
	}
	cond, err := parseAll("extras_require", conditional)
	if err != nil {
		return nil, err
	}
	rec.Requires = append(rec.Requires, cond...)
	if len(extras) > 0 {
		rec.Extras = make(map[string][]deps.Specifier, len(extras))
		for _, name := range deps.SortedKeys(extras) {
			specs, err := parseAll("extras_require["+name+"]", extras[name])
			if err != nil {
				return nil, err
			}
			rec.Extras[name] = specs
			rec.ProvidesExtras = append(rec.ProvidesExtras, name)
		}
	}

	pyreq, ferr := deps.Flatten(r.PythonRequires)
	if ferr != nil {
		return nil, errors.Wrap(errors.ErrCodeBuildScriptError, ferr, "python_requires")
	}
	rec.RequiresPython = strings.Join(pyreq, ",")
	return &rec, nil
}

func specifiers(field string, v any) ([]deps.Specifier, error) {
	list, err := deps.Flatten(v)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBuildScriptError, err, "%s", field)
	}
	return parseAll(field, list)
}

func parseAll(field string, list []string) ([]deps.Specifier, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]deps.Specifier, 0, len(list))
	for _, s := range list {
		if i := strings.Index(s, " #"); i >= 0 {
			s = s[:i]
		}
		spec, err := deps.ParseSpecifier(s)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeBuildScriptError, err, "%s", field)
		}
		out = append(out, spec)
	}
	return out, nil
}

// staticRecord builds a record from a pyproject [project] table.
func staticRecord(pp *pyproject) (*records.DependencyRecord, error) {
	rec := &records.DependencyRecord{RequiresPython: pp.Project.RequiresPython}
	var err error
	if rec.Requires, err = parseAll("project.dependencies", pp.Project.Dependencies); err != nil {
		return nil, err
	}
	for _, name := range deps.SortedKeys(pp.Project.OptionalDependencies) {
		specs, err := parseAll("project.optional-dependencies."+name, pp.Project.OptionalDependencies[name])
		if err != nil {
			return nil, err
		}
		if rec.Extras == nil {
			rec.Extras = make(map[string][]deps.Specifier)
		}
		rec.Extras[name] = specs
		rec.ProvidesExtras = append(rec.ProvidesExtras, name)
	}
	return rec, nil
}

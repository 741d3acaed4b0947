package deps_test

import (
	"fmt"

	"github.com/matzehuels/depdb/pkg/deps"
)

func ExampleParseSpecifier() {
	spec, err := deps.ParseSpecifier(`requests[security] (>=2.0, <3) ; python_version < "3.8"`)
	if err != nil {
		panic(err)
	}
	fmt.Println(spec.Name, spec.Extras, spec.Constraint)
	fmt.Println(spec.Marker)
	fmt.Println(spec)
	// Output:
	// requests [security] >=2.0,<3
	// python_version < "3.8"
	// requests[security]>=2.0,<3; python_version < "3.8"
}

func ExampleNormalizeName() {
	fmt.Println(deps.NormalizeName("Zope.Interface"))
	fmt.Println(deps.NormalizeName("typing_extensions"))
	// Output:
	// zope-interface
	// typing-extensions
}

func ExampleFlatten() {
	// Build scripts may report nested lists or newline separated strings.
	reqs, err := deps.Flatten([]any{"six", []any{"idna\nchardet"}})
	if err != nil {
		panic(err)
	}
	fmt.Println(reqs)
	// Output:
	// [six idna chardet]
}

// Package deps models declared Python dependencies.
//
// A [Specifier] is the parsed form of one PEP 508 requirement string as it
// appears in wheel metadata (Requires-Dist) or in setup.py keyword
// arguments (install_requires and friends). Parsing is purely syntactic:
// version constraints are kept as written and environment markers are
// stored verbatim, never evaluated. Resolving ranges is out of scope.
//
// [Flatten] and [FlattenExtras] normalize the loosely typed values that
// build scripts report into flat string lists.
package deps

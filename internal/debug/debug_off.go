//go:build !debug

// Package debug provides invariant assertions that compile to no-ops
// unless the binary is built with `-tags debug`.
package debug

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
func AssertFunc(_ func() bool, _ ...any) {}

// Package check provides small invariant assertions for conditions that
// indicate a programming error rather than a runtime failure.
package check

import "fmt"

// PanicIfNotf panics with a formatted message if cond is false.
func PanicIfNotf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// PanicIfErr panics if err is non-nil.
func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}

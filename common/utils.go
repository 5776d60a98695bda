package common

import "fmt"

// AlignedTo8 reports whether n is a multiple of 8.
func AlignedTo8(n int) bool {
	return n&7 == 0
}

// Assert checks a condition and panics if it is false.
//
// Assertions guard internal invariants of the engine, such as the lock table agreeing with itself or
// a cache slot pointing back at the page it holds. If one of those is broken, continuing would risk
// persisting corrupted pages, so we crash with a stack trace instead.
//
// Do not use Assert for user input or for I/O failures; return an error for those.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

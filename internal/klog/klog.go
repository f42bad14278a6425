// Package klog is the zero-cost trace facility spec.md §9 asks for:
// "map [debug/trace macros] to a zero-cost logging facility that the
// implementation can disable at compile time." Biscuit's own main.go
// sprinkles fmt.Printf trace helpers (netdump, sizedump, hexdump)
// straight into logic; klog gives the rest of this repo the same
// texture without the Printf call when tracing is off.
package klog

import (
	"fmt"
	"io"
	"os"
)

var (
	enabled = false
	out     io.Writer = os.Stderr
)

// Enable turns tracing on or off process-wide. Off by default, the way
// biscuit's own XXXPANIC/debug comments are compiled out in production
// builds.
func Enable(on bool) {
	enabled = on
}

// SetOutput redirects trace output; tests point it at a buffer.
func SetOutput(w io.Writer) {
	out = w
}

// Tracef writes a trace line iff Enable(true) was called. When disabled
// it returns before any formatting or output; the call itself and the
// boxing of its arguments into the variadic slice still happen.
func Tracef(format string, args ...interface{}) {
	if !enabled {
		return
	}
	fmt.Fprintf(out, format, args...)
}

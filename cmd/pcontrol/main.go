package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

func main() {
	if code := exitStatus(buildRoot().Execute(), os.Stderr); code != 0 {
		os.Exit(code)
	}
}

// exitStatus prints err once and maps it to an exit code. A code requested
// by the privileged process prints nothing.
func exitStatus(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var exit exitCodeError
	if errors.As(err, &exit) {
		return exit.code
	}
	_, _ = fmt.Fprintln(stderr, "Error:", err)
	return 1
}

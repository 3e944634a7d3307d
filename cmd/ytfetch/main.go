// Command ytfetch runs the YouTube fetch queue: the API, the workers and the
// maintenance scheduler, together or as separate processes.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// Command focusshield runs the suppression proxy and manages its stored
// settings.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

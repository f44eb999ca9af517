// The main package for the media-fetcher executable.
package main

import (
	"github.com/JakeFAU/media-fetcher/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

// The main package for the newsstand executable.
package main

import (
	"github.com/JakeFAU/newsstand/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

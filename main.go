// The main package for the recrawl executable.
package main

import (
	"github.com/JakeFAU/recrawl/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

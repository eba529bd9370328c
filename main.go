// The main package for the backfill executable.
package main

import (
	"github.com/JakeFAU/econ-calendar-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

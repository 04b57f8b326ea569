// The main package for the ledger-crawler executable.
package main

import (
	"github.com/JakeFAU/ledger-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

// The main package for the searchd executable.
package main

import (
	"github.com/JakeFAU/product-search-gateway/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

// The main package for the webcrawl-indexer executable.
package main

import (
	"os"

	"github.com/JakeFAU/webcrawl-indexer/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

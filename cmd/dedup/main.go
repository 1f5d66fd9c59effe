// Command dedup checks chat images for reposts and inspects the index.
package main

import (
	"fmt"
	"os"

	"github.com/viant/sqlite-dedup/cmd/dedup/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

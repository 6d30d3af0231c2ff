// Tracematrix keeps traceability relations between card files.
//
// It imports requirement, test and design cards from JSON or YAML files,
// stores the relations between any two card files, and edits them from the
// command line or over MCP.
package main

import (
	"fmt"
	"os"

	"github.com/Benny93/tracematrix/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

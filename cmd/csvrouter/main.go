// Command csvrouter splits large CSV sources into one output per group.
package main

import (
	"context"
	"os"
)

func main() {
	if err := NewRootCommand(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

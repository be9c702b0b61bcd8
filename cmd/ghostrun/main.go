// Command ghostrun is the CLI entry point for the Ghost Browser runtime:
// submit a natural-language intent and watch it execute over a pool of
// isolated browser sessions.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Package main is the entry point for the reporthooks service CLI.
package main

import (
	"fmt"
	"os"

	"github.com/skillsight/reporthooks/cmd/reporthooks/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

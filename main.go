// Package main is the entry point for the ilcov CLI.
package main

import "ilcov.dev/pkg/ilcov/cmd"

func main() {
	cmd.Execute()
}

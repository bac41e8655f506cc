package main

import (
	"fmt"
	"os"

	"marginalia/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "marginctl:", err)
		os.Exit(cli.GetExitCode(err))
	}
}

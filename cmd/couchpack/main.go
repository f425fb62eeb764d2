package main

import (
	"fmt"
	"os"

	"github.com/kvolkov/couchpack/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "couchpack:", err)
		os.Exit(1)
	}
}

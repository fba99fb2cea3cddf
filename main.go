package main

import (
	"os"

	"github.com/fieldflow/dispatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

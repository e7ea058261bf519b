package main

import (
	"os"

	"github.com/safeops/buildwatch/cmd/buildwatch/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

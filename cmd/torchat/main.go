package main

import (
	"os"

	"github.com/opd-ai/torchat/cmd/torchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

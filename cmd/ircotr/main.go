package main

import (
	"os"

	"github.com/meszmate/ircotr/cmd/ircotr/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/planrun/planrun/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/G-Research/simulator/cmd/coordinator/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

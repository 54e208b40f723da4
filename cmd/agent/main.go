package main

import (
	"os"

	"github.com/G-Research/simulator/cmd/agent/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

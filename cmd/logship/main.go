package main

import (
	"os"

	"github.com/austindbirch/logship/cmd/logship/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

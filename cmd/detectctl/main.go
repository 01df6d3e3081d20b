package main

import (
	"os"

	"github.com/pitchvision/detectd/cmd/detectctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

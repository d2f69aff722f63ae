package main

import (
	"os"

	"github.com/screenrelay/screenrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

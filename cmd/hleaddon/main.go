package main

import (
	"os"

	"github.com/hle-world/hle-addon/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}

package main

import (
	"os"

	"github.com/a2rok/a2rok/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}

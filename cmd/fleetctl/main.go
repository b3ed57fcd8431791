package main

import (
	"os"

	"github.com/gaspardpetit/fleetwatch/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:]))
}

package main

import (
	"os"

	"edgeprov/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

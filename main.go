package main

import (
	"os"

	"go2tv.app/caststream/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

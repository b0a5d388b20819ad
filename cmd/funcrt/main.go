package main

import (
	"os"

	"github.com/linkflow/funcrt/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

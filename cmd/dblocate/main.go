package main

import (
	"os"

	"github.com/kaczmarj/dblocate/cmd/dblocate/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

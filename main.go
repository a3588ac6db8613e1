package main

import (
	"os"

	"github.com/ptgott/mailsender/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

package main

import (
	"fmt"
	"os"

	"github.com/bionicotaku/citydash-authx/cmd/authx/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

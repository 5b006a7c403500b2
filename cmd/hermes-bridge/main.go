package main

import (
	"os"

	"github.com/hashicorp-forge/hermes-bridge/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}

package version

import (
	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-bridge/internal/version"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Print the version"
}

func (c *Command) Help() string {
	return `Usage: hermes-bridge version

  Prints the version of this binary.`
}

func (c *Command) Run(args []string) int {
	c.UI.Output(version.String())
	return 0
}

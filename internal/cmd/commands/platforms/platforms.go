package platforms

import (
	"context"
	"flag"
	"fmt"

	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-bridge/pkg/bridge"
)

type Command struct {
	*base.Command

	flagConfig string
}

func (c *Command) Synopsis() string {
	return "List configured platforms"
}

func (c *Command) Help() string {
	return `Usage: hermes-bridge platforms [options]

  Lists the configured platforms with their backend kind, identity model and
  authorization state. The active platform is marked with "*".` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("platforms", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", base.DefaultConfigPath(),
		"[HERMES_BRIDGE_CONFIG] Path to the bridge config file.",
	)

	return f
}

func (c *Command) Run(args []string) int {
	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	a, closeApp, err := c.Open(context.Background(), c.flagConfig)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error starting bridge: %v", err))
		return 1
	}
	defer closeApp()

	res := a.Call(bridge.CallEnvelope{Service: "bridge", Method: "platform.get"})
	if !res.OK() {
		return c.Result(res)
	}

	data, _ := res.Data.(map[string]any)
	active, _ := data["active"].(string)
	list, _ := data["platforms"].([]any)
	if len(list) == 0 {
		c.UI.Warn("no platforms configured")
		return 0
	}

	c.UI.Output(fmt.Sprintf("  %-12s %-8s %-14s %s", "NAME", "KIND", "MODEL", "AUTHORIZED"))
	for _, item := range list {
		p, _ := item.(map[string]any)
		marker := " "
		if p["name"] == active {
			marker = "*"
		}
		c.UI.Output(fmt.Sprintf("%s %-12v %-8v %-14v %v", marker, p["name"], p["kind"], p["model"], p["authorized"]))
	}
	return 0
}

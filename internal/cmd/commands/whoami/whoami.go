package whoami

import (
	"context"
	"flag"
	"fmt"

	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-bridge/pkg/bridge"
)

type Command struct {
	*base.Command

	flagConfig   string
	flagPlatform string
	flagJSON     bool
}

func (c *Command) Synopsis() string {
	return "Show the identities used for a platform"
}

func (c *Command) Help() string {
	return `Usage: hermes-bridge whoami [options]

  Authenticates against a platform and prints the source identity (the
  credential that authenticated) and the effective identity (the one that
  data access runs as).` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("whoami", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", base.DefaultConfigPath(),
		"[HERMES_BRIDGE_CONFIG] Path to the bridge config file.",
	)
	f.StringVar(
		&c.flagPlatform, "platform", "",
		"Platform to inspect. Defaults to the active platform.",
	)
	f.BoolVar(
		&c.flagJSON, "json", false,
		"Print the result as JSON.",
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

	res := a.Call(bridge.CallEnvelope{Platform: c.flagPlatform, Service: "auth", Method: "whoami"})
	if !res.OK() {
		return c.Result(res)
	}

	if c.flagJSON {
		if err := c.PrintJSON(res.Data); err != nil {
			c.UI.Error(fmt.Sprintf("error encoding result: %v", err))
			return 1
		}
		return 0
	}

	data, _ := res.Data.(map[string]any)
	for _, k := range []string{"platform", "model", "projectId", "sourceIdentity", "effectiveIdentity", "expiry"} {
		if v, ok := data[k]; ok && v != "" {
			c.UI.Output(fmt.Sprintf("%-18s %v", k+":", v))
		}
	}
	// Results arrive in their JSON form.
	scopes, _ := data["scopes"].([]any)
	for _, s := range scopes {
		c.UI.Output(fmt.Sprintf("%-18s %v", "scope:", s))
	}
	return 0
}

package call

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-bridge/pkg/bridge"
)

type Command struct {
	*base.Command

	flagConfig   string
	flagPlatform string
	flagParams   string
	flagOptions  string
	flagRaw      bool
}

func (c *Command) Synopsis() string {
	return "Run one operation through the bridge"
}

func (c *Command) Help() string {
	return `Usage: hermes-bridge call [options] <service> <method>

  Runs a single operation and prints its result envelope as JSON.

  Example:

      $ hermes-bridge call -params '{"fileId":"1abc","fields":["name"]}' drive files.get` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("call", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", base.DefaultConfigPath(),
		"[HERMES_BRIDGE_CONFIG] Path to the bridge config file.",
	)
	f.StringVar(
		&c.flagPlatform, "platform", "",
		"Platform to run on. Defaults to the active platform.",
	)
	f.StringVar(
		&c.flagParams, "params", "",
		"Operation parameters as a JSON object, or @path to read them from a file.",
	)
	f.StringVar(
		&c.flagOptions, "options", "",
		"Call options as a JSON object, for example {\"refresh\":true}.",
	)
	f.BoolVar(
		&c.flagRaw, "raw", false,
		"Print the raw response body instead of the envelope.",
	)

	return f
}

func (c *Command) Run(args []string) int {
	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	rest := flags.Args()
	if len(rest) != 2 {
		c.UI.Error("expected a service and a method")
		return 1
	}

	params, err := parseObject(c.flagParams)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error parsing params: %v", err))
		return 1
	}
	options, err := parseObject(c.flagOptions)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error parsing options: %v", err))
		return 1
	}

	a, closeApp, err := c.Open(context.Background(), c.flagConfig)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error starting bridge: %v", err))
		return 1
	}
	defer closeApp()

	res := a.Call(bridge.CallEnvelope{
		Platform: c.flagPlatform,
		Service:  rest[0],
		Method:   rest[1],
		Params:   params,
		Options:  options,
	})

	if c.flagRaw && res.OK() {
		c.UI.Output(string(res.Response.RawBody))
		return 0
	}
	if err := c.PrintJSON(res); err != nil {
		c.UI.Error(fmt.Sprintf("error encoding result: %v", err))
		return 1
	}
	if !res.OK() {
		return 1
	}
	return 0
}

func parseObject(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "@") {
		b, err := os.ReadFile(s[1:])
		if err != nil {
			return nil, err
		}
		s = string(b)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

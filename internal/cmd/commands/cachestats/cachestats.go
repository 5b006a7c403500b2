package cachestats

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sort"

	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-bridge/pkg/bridge"
	"github.com/hashicorp-forge/hermes-bridge/pkg/cache"
)

type Command struct {
	*base.Command

	flagConfig   string
	flagPlatform string
	flagJSON     bool
}

func (c *Command) Synopsis() string {
	return "Show resource cache counters"
}

func (c *Command) Help() string {
	return `Usage: hermes-bridge cache-stats [options]

  Prints hit, miss and fetch counters of the resource cache together with
  the number of stored entries. With a persistent cache the entry count
  includes entries written by earlier runs.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("cache-stats", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", base.DefaultConfigPath(),
		"[HERMES_BRIDGE_CONFIG] Path to the bridge config file.",
	)
	f.StringVar(
		&c.flagPlatform, "platform", "",
		"Only show this platform.",
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

	var params map[string]any
	if c.flagPlatform != "" {
		params = map[string]any{"platform": c.flagPlatform}
	}
	res := a.Call(bridge.CallEnvelope{Service: "bridge", Method: "cache.stats", Params: params})
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

	var stats map[string]cache.Stats
	b, err := json.Marshal(res.Data)
	if err == nil {
		err = json.Unmarshal(b, &stats)
	}
	if err != nil {
		c.UI.Error(fmt.Sprintf("error decoding cache stats: %v", err))
		return 1
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	c.UI.Output(fmt.Sprintf("%-12s %8s %8s %8s %8s", "PLATFORM", "HITS", "MISSES", "FETCHES", "ENTRIES"))
	for _, name := range names {
		s := stats[name]
		c.UI.Output(fmt.Sprintf("%-12s %8d %8d %8d %8d", name, s.Hits, s.Misses, s.Fetches, s.Entries))
	}
	return 0
}

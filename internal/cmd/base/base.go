// Package base holds what every bridge command shares.
package base

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/spf13/afero"

	"github.com/hashicorp-forge/hermes-bridge/internal/app"
	"github.com/hashicorp-forge/hermes-bridge/internal/config"
	"github.com/hashicorp-forge/hermes-bridge/pkg/bridge"
)

// Command is embedded by every command.
type Command struct {
	Log hclog.Logger
	UI  cli.Ui
}

// NewCommand creates a base command.
func NewCommand(log hclog.Logger, ui cli.Ui) *Command {
	return &Command{Log: log, UI: ui}
}

// FlagSet wraps a standard flag set to render command help.
type FlagSet struct {
	*flag.FlagSet
}

// NewFlagSet wraps f.
func NewFlagSet(f *flag.FlagSet) *FlagSet {
	return &FlagSet{FlagSet: f}
}

// Help renders the options section of a command's help text.
func (f *FlagSet) Help() string {
	var buf bytes.Buffer
	first := true
	f.VisitAll(func(fl *flag.Flag) {
		if first {
			buf.WriteString("\n\nOptions:\n")
			first = false
		}
		name, usage := flag.UnquoteUsage(fl)
		fmt.Fprintf(&buf, "\n  -%s", fl.Name)
		if name != "" {
			fmt.Fprintf(&buf, "=<%s>", name)
		}
		if fl.DefValue != "" && fl.DefValue != "false" {
			fmt.Fprintf(&buf, "\n      Default: %s", fl.DefValue)
		}
		fmt.Fprintf(&buf, "\n      %s\n", strings.ReplaceAll(usage, "\n", "\n      "))
	})
	return buf.String()
}

// DefaultConfigPath is used when -config is not given.
func DefaultConfigPath() string {
	if p := os.Getenv("HERMES_BRIDGE_CONFIG"); p != "" {
		return p
	}
	return config.DefaultFile
}

// Open loads the configuration at path and assembles the bridge. The
// returned function closes the bridge and its log destination.
func (c *Command) Open(ctx context.Context, path string) (*app.App, func(), error) {
	fs := afero.NewOsFs()

	cfg, err := config.Load(fs, path)
	if err != nil {
		return nil, nil, err
	}

	logger, logCloser, err := cfg.NewLogger(fs, "hermes-bridge")
	if err != nil {
		return nil, nil, err
	}

	a, err := app.New(ctx, cfg, fs, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, err
	}

	return a, func() {
		if err := a.Close(); err != nil {
			c.Log.Warn("error closing bridge", "error", err)
		}
		_ = logCloser.Close()
	}, nil
}

// PrintJSON writes v to the UI as indented JSON.
func (c *Command) PrintJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	c.UI.Output(string(b))
	return nil
}

// Result reports a failed result envelope and returns the exit code.
func (c *Command) Result(res bridge.ResultEnvelope) int {
	if res.OK() {
		return 0
	}
	c.UI.Error(fmt.Sprintf("%d %s: %s (class=%s, attempts=%d)",
		res.Response.Status, res.Response.StatusText, res.Error.Message, res.Error.Class, res.Error.Attempts))
	return 1
}

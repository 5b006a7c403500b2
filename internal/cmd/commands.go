package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/commands/cachestats"
	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/commands/call"
	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/commands/platforms"
	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/commands/version"
	"github.com/hashicorp-forge/hermes-bridge/internal/cmd/commands/whoami"
)

// Commands returns the command factories of the CLI.
func Commands(log hclog.Logger, ui cli.Ui) map[string]cli.CommandFactory {
	b := base.NewCommand(log, ui)

	return map[string]cli.CommandFactory{
		"call": func() (cli.Command, error) {
			return &call.Command{Command: b}, nil
		},
		"whoami": func() (cli.Command, error) {
			return &whoami.Command{Command: b}, nil
		},
		"platforms": func() (cli.Command, error) {
			return &platforms.Command{Command: b}, nil
		},
		"cache-stats": func() (cli.Command, error) {
			return &cachestats.Command{Command: b}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{Command: b}, nil
		},
	}
}

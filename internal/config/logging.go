package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
)

// NewLogger builds the process logger from log_destination and log_level.
// The returned closer releases a log file and is never nil.
func (c *Config) NewLogger(fs afero.Fs, name string) (hclog.Logger, io.Closer, error) {
	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch c.LogDestination {
	case "none":
		return hclog.NewNullLogger(), closer, nil
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		if fs == nil {
			fs = afero.NewOsFs()
		}
		path := ExpandHome(c.LogDestination)
		if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closer = f
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(c.LogLevel),
		Output:     out,
		JSONFormat: c.LogJSON,
	})
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

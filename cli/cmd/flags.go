// Package cmd provides the commands of the treesync binary.
package cmd

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/treesync/cli/config"
	"github.com/pithecene-io/treesync/server"
)

// Shared flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored table headers.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (inspect, stats, watch)",
	}

	// ConfigFlag points at a treesync.yaml. A missing default file is not an error.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file",
		Value:   config.DefaultPath,
		EnvVars: []string{"TREESYNC_CONFIG"},
	}

	// ServerFlag is the HTTP base of a relay node.
	ServerFlag = &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Relay HTTP address (default: from config, then http://" + server.DefaultAddr + ")",
		EnvVars: []string{"TREESYNC_SERVER"},
	}
)

// ReadOnlyFlags returns the shared flags for commands that only read.
// --tui is included everywhere so unsupported commands can reject it with a
// clear message instead of a generic "flag not defined" error.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
		ConfigFlag,
		ServerFlag,
	}
}

// loadConfig reads the file named by --config. Only an explicitly named
// file must exist.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if c.IsSet("config") {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, cli.Exit(err.Error(), 2)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	return cfg, nil
}

// serverURL resolves the relay HTTP base: --server, then the client URL
// from config, then the configured listen address.
func serverURL(c *cli.Context, cfg *config.Config) string {
	if s := c.String("server"); s != "" {
		return strings.TrimRight(s, "/")
	}
	if cfg.Client.URL != "" {
		if u, err := url.Parse(cfg.Client.URL); err == nil && u.Host != "" {
			scheme := "http"
			if u.Scheme == "wss" || u.Scheme == "https" {
				scheme = "https"
			}
			return scheme + "://" + u.Host
		}
	}
	addr := cfg.Server.Addr
	if addr == "" {
		addr = server.DefaultAddr
	}
	return "http://" + addr
}

// socketURL turns a relay HTTP base into its WebSocket endpoint.
func socketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", base)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path, u.RawQuery = "/ws", ""
	return u.String(), nil
}

func rejectTUI(c *cli.Context, command string) error {
	if c.Bool("tui") {
		return cli.Exit(fmt.Sprintf("--tui is not supported for %s", command), 1)
	}
	return nil
}

package cmd

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/treesync/cli/render"
	"github.com/pithecene-io/treesync/cli/tui"
)

// StatsCommand returns the stats command.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show aggregate statistics",
		Subcommands: []*cli.Command{
			{
				Name:  "relay",
				Usage: "Show a relay node's webhook, connection, dispatch and journal counters",
				Flags: append(ReadOnlyFlags(),
					&cli.DurationFlag{
						Name:  "refresh",
						Usage: "Refresh interval in TUI mode (0 disables)",
						Value: 2 * time.Second,
					},
				),
				Action: statsRelayAction,
			},
		},
	}
}

func statsRelayAction(c *cli.Context) error {
	rd, err := newReader(c)
	if err != nil {
		return err
	}
	snap, err := rd.Metrics(c.Context)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		if every := c.Duration("refresh"); every > 0 {
			ctx := c.Context
			return tui.RunLiveStatsTUI(tui.ViewStatsRelay, snap, func() (any, error) {
				return rd.Metrics(ctx)
			}, every)
		}
		return tui.RunStatsTUI(tui.ViewStatsRelay, snap)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(snap)
}

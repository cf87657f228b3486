package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/treesync/cli/reader"
	"github.com/pithecene-io/treesync/cli/render"
)

// listWarningThreshold is the number of rows above which list suggests --limit.
const listWarningThreshold = 100

// isStderrTTY reports whether stderr is a terminal.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// ListCommand returns the list command.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List entities",
		Subcommands: []*cli.Command{
			{
				Name:    "conversations",
				Aliases: []string{"convs"},
				Usage:   "List the most recently updated conversations",
				Flags: append(ReadOnlyFlags(),
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of conversations",
						Value: 50,
					},
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status: idle, waiting_for_ai, waiting_for_generation, completed, failed",
					},
				),
				Action: listConversationsAction,
			},
		},
	}
}

func listConversationsAction(c *cli.Context) error {
	if err := rejectTUI(c, "list"); err != nil {
		return err
	}
	if c.Int("limit") <= 0 {
		return cli.Exit("--limit must be positive", 1)
	}
	rd, err := newReader(c)
	if err != nil {
		return err
	}
	views, err := rd.Conversations(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}

	status := c.String("status")
	items := make([]reader.ConversationItem, 0, len(views))
	for i := range views {
		item := reader.NewConversationItem(&views[i])
		if status != "" && item.Status != status {
			continue
		}
		items = append(items, item)
	}

	if len(items) > listWarningThreshold && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "showing %d conversations; use --limit to narrow\n", len(items))
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(items)
}

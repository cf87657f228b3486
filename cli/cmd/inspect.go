package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/treesync/cli/reader"
	"github.com/pithecene-io/treesync/cli/render"
	"github.com/pithecene-io/treesync/cli/tui"
)

// InspectCommand returns the inspect command.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a single entity",
		Subcommands: []*cli.Command{
			{
				Name:      "conversation",
				Aliases:   []string{"conv"},
				Usage:     "Inspect a conversation and its skill tree",
				ArgsUsage: "<conversation-id>",
				Flags:     ReadOnlyFlags(),
				Action:    inspectConversationAction,
			},
		},
	}
}

func inspectConversationAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("conversation-id required", 1)
	}
	id := c.Args().First()

	rd, err := newReader(c)
	if err != nil {
		return err
	}
	view, err := rd.Conversation(c.Context, id)
	if errors.Is(err, reader.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("conversation not found: %s", id), 1)
	}
	if err != nil {
		return err
	}
	detail, err := reader.NewConversationDetail(view)
	if err != nil {
		return err
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewInspectConversation, detail)
	}
	if detail.Objective == nil {
		return r.Render(detail)
	}
	summary := *detail
	summary.Objective = nil
	return r.RenderSections(
		render.Section{Title: "conversation", Data: summary},
		render.Section{Title: "nodes", Data: detail.Objective.Nodes},
	)
}

func newReader(c *cli.Context) (*reader.Client, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return reader.NewClient(serverURL(c, cfg), 0)
}

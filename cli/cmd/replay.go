package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/treesync/cli/reader"
	"github.com/pithecene-io/treesync/cli/render"
)

// ReplayCommand returns the replay command. It reads the journal directly
// and needs no running relay.
func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Print journaled envelopes of a conversation",
		ArgsUsage: "<conversation-id>",
		Flags: append(ReadOnlyFlags(),
			&cli.Int64Flag{
				Name:  "since",
				Usage: "Only envelopes with a sequence number above this",
			},
			&cli.StringFlag{Name: "journal-backend", Usage: "Journal backend: fs or s3 (default: from config)"},
			&cli.StringFlag{Name: "journal-path", Usage: "Journal path (fs: directory, s3: bucket/prefix)"},
			&cli.StringFlag{Name: "journal-dataset", Usage: "Journal dataset id"},
			&cli.BoolFlag{Name: "raw", Usage: "Print full envelopes instead of summaries"},
		),
		Action: replayAction,
	}
}

func replayAction(c *cli.Context) error {
	if err := rejectTUI(c, "replay"); err != nil {
		return err
	}
	if c.NArg() < 1 {
		return cli.Exit("conversation-id required", 1)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	jc := cfg.Journal
	if c.IsSet("journal-backend") {
		jc.Backend = c.String("journal-backend")
	}
	if c.IsSet("journal-path") {
		jc.Path = c.String("journal-path")
	}
	if c.IsSet("journal-dataset") {
		jc.Dataset = c.String("journal-dataset")
	}
	if jc.Backend == "" || jc.Path == "" {
		return cli.Exit("a journal backend and path are required (flags or config)", 1)
	}

	j, err := openJournal(c.Context, jc, nil)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	envs, err := j.Replay(c.Context, c.Args().First(), c.Int64("since"))
	if err != nil {
		return err
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("raw") {
		return r.Render(envs)
	}
	rows := make([]reader.EnvelopeRow, 0, len(envs))
	for _, env := range envs {
		rows = append(rows, reader.NewEnvelopeRow(env))
	}
	return r.Render(rows)
}

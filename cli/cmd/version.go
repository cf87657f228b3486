package cmd

import (
	"runtime"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/treesync/cli/render"
	"github.com/pithecene-io/treesync/types"
)

// VersionResponse is the output of the version command.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Go      string `json:"go"`
}

// VersionCommand returns the version command. It never contacts a relay.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: []cli.Flag{FormatFlag, NoColorFlag, TUIFlag},
		Action: func(c *cli.Context) error {
			if err := rejectTUI(c, "version"); err != nil {
				return err
			}
			r, err := render.NewRenderer(c)
			if err != nil {
				return err
			}
			return r.Render(VersionResponse{
				Version: types.Version,
				Commit:  commit,
				Go:      runtime.Version(),
			})
		},
	}
}

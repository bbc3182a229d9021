package commands

import (
	"bytes"

	"github.com/spf13/cobra"

	"github.com/dannbbb1/lodestar/config"
)

// MakeShowConfigCommand returns the command that prints the effective
// configuration as TOML.
func MakeShowConfigCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show-config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			var buf bytes.Buffer
			if err := conf.Render(&buf); err != nil {
				return err
			}
			_, err := cmd.OutOrStdout().Write(buf.Bytes())
			return err
		},
	}
}

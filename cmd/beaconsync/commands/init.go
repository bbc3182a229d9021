package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/libs/log"
)

// MakeInitFilesCommand returns the command that writes a default config file.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initializes a beaconsync home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ConfigFile(conf.RootDir)
			if _, err := os.Stat(path); err == nil {
				logger.Info("Found config", "path", path)
				return nil
			}
			if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
				return err
			}
			logger.Info("Generated config", "path", path)
			return nil
		},
	}
}

// Package cli binds cobra flags, environment variables and the config file
// into viper.
package cli

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	HomeFlag  = "home"
	TraceFlag = "trace"
)

// PrepareBaseCmd adds the home and trace flags to cmd and makes every
// subcommand load viper before it runs. Environment variables named
// <envPrefix>_<KEY> override the config file.
func PrepareBaseCmd(cmd *cobra.Command, envPrefix, defaultHome string) *cobra.Command {
	cobra.OnInitialize(func() { InitEnv(envPrefix) })
	cmd.PersistentFlags().String(HomeFlag, defaultHome, "directory for config and data")
	cmd.PersistentFlags().Bool(TraceFlag, false, "print out full stack trace on errors")
	cmd.PersistentPreRunE = chain(BindFlagsLoadViper, cmd.PersistentPreRunE)
	return cmd
}

// InitEnv makes viper read <PREFIX>_<KEY> environment variables, with dots
// and dashes in keys turned into underscores.
func InitEnv(prefix string) {
	viper.SetEnvPrefix(strings.ToUpper(prefix))
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func chain(fns ...func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			if err := fn(cmd, args); err != nil {
				return err
			}
		}
		return nil
	}
}

// BindFlagsLoadViper binds the flags of cmd and reads config.toml from the
// home directory or its config subdirectory. A missing file is not an error.
func BindFlagsLoadViper(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	home := viper.GetString(HomeFlag)
	viper.Set(HomeFlag, home)
	viper.SetConfigName("config")
	viper.AddConfigPath(home)
	viper.AddConfigPath(filepath.Join(home, "config"))

	var notFound viper.ConfigFileNotFoundError
	if err := viper.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return err
	}
	return nil
}

package main

import (
	"os"
	"path/filepath"

	"github.com/dannbbb1/lodestar/cmd/beaconsync/commands"
	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/libs/cli"
	"github.com/dannbbb1/lodestar/libs/log"
)

func main() {
	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.MakeShowConfigCommand(conf),
		commands.NewRunNodeCmd(conf, logger),
		commands.VersionCmd,
	)

	cmd := cli.PrepareBaseCmd(rcmd, "BSYNC", os.ExpandEnv(filepath.Join("$HOME", config.DefaultBeaconSyncDir)))
	if err := cmd.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

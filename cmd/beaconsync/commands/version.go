package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dannbbb1/lodestar/internal/reqresp"
	"github.com/dannbbb1/lodestar/version"
)

var verbose bool

// VersionCmd prints the version, and with --verbose the served protocols.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
			return nil
		}

		var protocols []string
		for m := reqresp.MethodStatus; m <= reqresp.MethodLightClientOptimisticUpdate; m++ {
			for _, v := range m.Versions() {
				protocols = append(protocols, reqresp.NewProtocolID("<app>", m, v).String())
			}
		}
		values, err := json.MarshalIndent(struct {
			Version   string   `json:"version"`
			Protocols []string `json:"protocols"`
		}{
			Version:   version.Version,
			Protocols: protocols,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(values))
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show served request/response protocols")
}

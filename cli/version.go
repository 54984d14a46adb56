package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"flow.evalgo.org/common"
	"flow.evalgo.org/version"
)

func init() {
	versionCmd.Flags().Bool("full", false, "include dependency versions as JSON")
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()

		if full, _ := cmd.Flags().GetBool("full"); full {
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				common.ComponentLogger("version").Fatalf("failed to encode build info: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
	},
}

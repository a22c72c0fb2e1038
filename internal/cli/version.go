package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/allyourbase/smsbatch/internal/cli/ui"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print smsbatch version",
	Run: func(cmd *cobra.Command, args []string) {
		if outputFormat(cmd) == "json" {
			json.NewEncoder(os.Stdout).Encode(map[string]any{
				"version": buildVersion,
				"commit":  buildCommit,
				"date":    buildDate,
			})
			return
		}
		fmt.Printf("%s smsbatch %s (commit: %s, built: %s)\n", ui.BrandEmoji, buildVersion, buildCommit, buildDate)
	},
}

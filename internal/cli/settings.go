package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/allyourbase/smsbatch/internal/cli/ui"
	"github.com/allyourbase/smsbatch/internal/credentials"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show the stored provider credentials",
	Long: `Show the sender number and Twilio account the next batch will use.
The auth token is masked.`,
	Args: cobra.NoArgs,
	RunE: runSettings,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store provider credentials",
	Long: `Store the sender number, account SID and auth token. All three are
required; nothing is written when one is missing.

Example:
  smsbatch settings set --from +4915100000000 --account-sid AC0123... --auth-token s3cr3t`,
	Args: cobra.NoArgs,
	RunE: runSettingsSet,
}

func init() {
	settingsSetCmd.Flags().String("from", "", "Sender phone number in international format")
	settingsSetCmd.Flags().String("account-sid", "", "Twilio account SID (starts with AC)")
	settingsSetCmd.Flags().String("auth-token", "", "Twilio auth token")

	settingsCmd.AddCommand(settingsSetCmd)
}

func runSettings(cmd *cobra.Command, args []string) error {
	env, err := newAppEnv(cmd, true)
	if err != nil {
		return err
	}
	defer env.Close()

	creds, err := env.session(false).Settings(cmd.Context())
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	printSettings(cmd, creds)
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	env, err := newAppEnv(cmd, true)
	if err != nil {
		return err
	}
	defer env.Close()

	from, _ := cmd.Flags().GetString("from")
	sid, _ := cmd.Flags().GetString("account-sid")
	token, _ := cmd.Flags().GetString("auth-token")
	creds := credentials.Credentials{FromNumber: from, AccountSID: sid, AuthToken: token}

	if err := env.session(false).SaveSettings(cmd.Context(), creds); err != nil {
		return err
	}
	printSettings(cmd, creds)
	if outputFormat(cmd) != "json" {
		fmt.Fprintf(os.Stderr, "%s Settings saved\n", ui.StyleSuccess.Render(ui.SymbolCheck))
	}
	return nil
}

func printSettings(cmd *cobra.Command, creds credentials.Credentials) {
	masked := creds.Masked()
	if outputFormat(cmd) == "json" {
		json.NewEncoder(os.Stdout).Encode(map[string]any{
			"from_number": masked.FromNumber,
			"account_sid": masked.AccountSID,
			"auth_token":  masked.AuthToken,
			"configured":  creds.Configured(),
		})
		return
	}
	color := colorEnabledFd(os.Stdout.Fd())
	fmt.Printf("%-12s %s\n", "From:", orUnset(masked.FromNumber, color))
	fmt.Printf("%-12s %s\n", "Account SID:", orUnset(masked.AccountSID, color))
	fmt.Printf("%-12s %s\n", "Auth token:", orUnset(masked.AuthToken, color))
	if !creds.Configured() {
		fmt.Println(yellow("Sending is disabled until an account SID and auth token are set.", color))
	}
}

func orUnset(v string, color bool) string {
	if v == "" {
		return dim("(not set)", color)
	}
	return v
}

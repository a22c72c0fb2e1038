package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/allyourbase/smsbatch/internal/cli/ui"
	"github.com/allyourbase/smsbatch/internal/dispatch"
	"github.com/allyourbase/smsbatch/internal/recipients"
	"github.com/allyourbase/smsbatch/internal/sms"
)

// errBatchFailures makes the process exit non-zero when some recipients
// could not be sent to.
var errBatchFailures = errors.New("batch finished with failures")

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a message to every mobile number in a file",
	Long: `Extract the mobile numbers from a file, send each one the message and
poll the provider until every message has a final delivery status.

Examples:
  smsbatch send contacts.txt -m "Practice is cancelled tonight"
  smsbatch send contacts.txt --message-file notice.txt
  smsbatch send contacts.txt -m "test" --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringP("message", "m", "", "Message text")
	sendCmd.Flags().String("message-file", "", "Read the message text from a file")
	sendCmd.Flags().Bool("dry-run", false, "Log messages instead of sending them")
	sendCmd.Flags().String("region", "", "Region for numbers without a country code (default DE)")
	sendCmd.Flags().String("provider", "", "Provider: twilio or log")
	sendCmd.MarkFlagsMutuallyExclusive("message", "message-file")
}

// messageBody resolves the message from -m or --message-file. A trailing
// newline from the file is dropped.
func messageBody(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("message-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading message file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	body, _ := cmd.Flags().GetString("message")
	return body, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	body, err := messageBody(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	env, err := newAppEnv(cmd, true)
	if err != nil {
		return err
	}
	defer env.Close()

	sess := env.session(dryRun)
	sp := ui.NewStepSpinner(os.Stderr, !ui.IsTerminal(os.Stderr.Fd()))

	sp.Start(fmt.Sprintf("Reading %s...", args[0]))
	res, err := parseInput(sess, args[0])
	if err != nil {
		sp.Fail()
		return err
	}
	sp.Done()
	fmt.Fprintf(os.Stderr, "  %d mobile of %d valid, %d detected\n", res.Counts.Mobile, res.Counts.Valid, res.Counts.Detected)
	if sms.MessageTooLong(body) {
		fmt.Fprintf(os.Stderr, "  %s message is %d characters, longer than one SMS (%d)\n",
			ui.StyleWarning.Render(ui.SymbolWarning), len([]rune(body)), sms.MaxMessageLength)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	total := sess.Registry().Len()
	label := fmt.Sprintf("Sending to %d recipient(s)", total)
	if dryRun {
		label += " (dry run)"
	}

	updates, unsubscribe := sess.Registry().Subscribe()
	progressDone := make(chan struct{})
	sp.Start(label + "...")
	go func() {
		defer close(progressDone)
		final := make(map[string]bool, total)
		for rec := range updates {
			if rec.State == recipients.StateTerminal || rec.State == recipients.StateSendFailed {
				final[rec.Number] = true
			}
			sp.Update(fmt.Sprintf("%s... %d/%d final", label, len(final), total))
		}
	}()

	sum, err := sess.Send(ctx, body)
	unsubscribe()
	<-progressDone
	if err != nil {
		sp.Fail()
		return err
	}
	if sum.Unfinished > 0 || sum.SendFailed > 0 {
		sp.Fail()
	} else {
		sp.Done()
	}

	recs, _ := sess.Registry().Snapshot()
	if err := printRecipients(os.Stdout, outputFormat(cmd), recs, sum); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("interrupted with %d message(s) unfinished", sum.Unfinished)
	}
	if sum.SendFailed > 0 {
		return fmt.Errorf("%w: %d of %d message(s) could not be sent", errBatchFailures, sum.SendFailed, sum.Total)
	}
	return nil
}

var recipientCols = []string{"Number", "Sent", "Status", "Message ID"}

func printRecipients(w io.Writer, outFmt string, recs []recipients.Record, sum dispatch.Summary) error {
	switch outFmt {
	case "json":
		return json.NewEncoder(w).Encode(map[string]any{
			"summary":    sum,
			"recipients": recs,
		})
	case "csv":
		rows := make([][]string, len(recs))
		for i, r := range recs {
			rows[i] = []string{r.Number, fmt.Sprintf("%v", r.Sent), r.Status, r.MessageID()}
		}
		return writeCSV(w, recipientCols, rows)
	}

	color := colorEnabledFd(os.Stdout.Fd())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(recipientCols, "\t"))
	fmt.Fprintln(tw, strings.Repeat("---\t", len(recipientCols)))
	for _, r := range recs {
		sent := "no"
		if r.Sent {
			sent = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Display(), sent, statusText(r.Status, color), r.MessageID())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d delivered, %d failed, %d not sent, %d unfinished\n",
		sum.Delivered, sum.Failed, sum.SendFailed, sum.Unfinished)
	return nil
}

// statusText colors a status for the table. Uncolored text is returned as-is
// so tabwriter alignment stays intact in pipes.
func statusText(status string, color bool) string {
	if !color {
		return status
	}
	return ui.ForcedRenderer().NewStyle().Foreground(ui.StatusColor(status)).Render(status)
}

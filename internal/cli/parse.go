package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/allyourbase/smsbatch/internal/campaign"
	"github.com/allyourbase/smsbatch/internal/phone"
)

var parseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "List the mobile numbers found in a file",
	Long: `Scan a text file for phone numbers and list the valid mobile ones.
Numbers without a country code are read in the configured region (default DE).
Use "-" to read from standard input.

Examples:
  smsbatch parse contacts.txt
  smsbatch parse export.csv --all --output csv
  cat notes.txt | smsbatch parse - --region AT`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().Bool("all", false, "Also list invalid and non-mobile numbers")
	parseCmd.Flags().String("region", "", "Region for numbers without a country code (default DE)")
}

func runParse(cmd *cobra.Command, args []string) error {
	env, err := newAppEnv(cmd, true)
	if err != nil {
		return err
	}
	defer env.Close()

	sess := env.session(false)
	res, err := parseInput(sess, args[0])
	if err != nil {
		return err
	}

	all, _ := cmd.Flags().GetBool("all")
	return printParseResult(os.Stdout, outputFormat(cmd), res, all)
}

// parseInput loads path (or stdin for "-") into the session registry.
func parseInput(sess *campaign.Session, path string) (phone.Result, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return phone.Result{}, fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	res, err := sess.ParseReader(r)
	if err != nil {
		return phone.Result{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return res, nil
}

type parsedNumber struct {
	Number  string `json:"number"`
	Display string `json:"display"`
	Class   string `json:"class"`
}

func printParseResult(w io.Writer, outFmt string, res phone.Result, all bool) error {
	matches := res.Accepted
	if all {
		matches = res.All
	}
	numbers := make([]parsedNumber, len(matches))
	for i, m := range matches {
		numbers[i] = parsedNumber{Number: m.Canonical, Display: phone.Display(m.Number), Class: m.Class.String()}
	}

	switch outFmt {
	case "json":
		return json.NewEncoder(w).Encode(map[string]any{
			"counts":  res.Counts,
			"numbers": numbers,
		})
	case "csv":
		rows := make([][]string, len(numbers))
		for i, n := range numbers {
			rows[i] = []string{n.Number, n.Display, n.Class}
		}
		return writeCSV(w, []string{"number", "display", "class"}, rows)
	}

	color := colorEnabledFd(os.Stdout.Fd())
	fmt.Fprintf(w, "%s detected  %s valid  %s mobile\n",
		bold(strconv.Itoa(res.Counts.Detected), color),
		bold(strconv.Itoa(res.Counts.Valid), color),
		boldGreen(strconv.Itoa(res.Counts.Mobile), color))
	if len(numbers) == 0 {
		fmt.Fprintln(w, "No numbers to send to.")
		return nil
	}
	fmt.Fprintln(w)

	cols := []string{"#", "Number", "Class"}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	fmt.Fprintln(tw, strings.Repeat("---\t", len(cols)))
	for i, n := range numbers {
		class := n.Class
		if n.Class != phone.ClassMobile.String() {
			class = dim(class, color)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, n.Display, class)
	}
	return tw.Flush()
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/allyourbase/smsbatch/internal/campaign"
	"github.com/allyourbase/smsbatch/internal/dispatch"
	"github.com/allyourbase/smsbatch/internal/phone"
	"github.com/allyourbase/smsbatch/internal/recipients"
	"github.com/allyourbase/smsbatch/internal/testutil"
)

const sampleText = `Team list
Anna   +49 151 23456789
Ben    +49 176 12345678
Office +49 30 123456
Anna again: +49 (151) 234 567 89
`

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	testutil.Equal(t, "1.2.3", buildVersion)
	testutil.Equal(t, "abc123", buildCommit)
	testutil.Equal(t, "2026-01-01", buildDate)
	SetVersion("dev", "none", "unknown")
}

// resetFlags puts every flag of cmd and its children back to its default so
// runs through rootCmd do not leak into each other.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// captureStdout captures stdout output from the given function.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	testutil.NoError(t, err)
	os.Stdout = w

	outCh := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		outCh <- buf.String()
	}()

	fn()

	w.Close()
	os.Stdout = old
	out := <-outCh
	r.Close()
	return out
}

// runCLI executes rootCmd with args in an isolated home directory and returns
// what it printed to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { resetFlags(rootCmd) })
	var err error
	out := captureStdout(t, func() {
		rootCmd.SetArgs(args)
		err = rootCmd.ExecuteContext(context.Background())
	})
	return out, err
}

// isolate points HOME at a temp dir and clears credential overrides.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SMSBATCH_FROM_NUMBER", "")
	t.Setenv("SMSBATCH_ACCOUNT_SID", "")
	t.Setenv("SMSBATCH_AUTH_TOKEN", "")
	t.Setenv("SMSBATCH_LOG_LEVEL", "error")
	return home
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	testutil.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestVersionCommand(t *testing.T) {
	SetVersion("0.1.0", "deadbeef", "2026-02-07")
	defer SetVersion("dev", "none", "unknown")

	out, err := runCLI(t, "version")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "0.1.0")
	testutil.Contains(t, out, "deadbeef")
}

func TestVersionCommandJSON(t *testing.T) {
	out, err := runCLI(t, "version", "--json")
	testutil.NoError(t, err)

	var v map[string]string
	testutil.NoError(t, json.Unmarshal([]byte(out), &v))
	testutil.Equal(t, "dev", v["version"])
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	want := []string{"parse", "send", "settings", "serve", "config", "version"}
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range want {
		testutil.True(t, names[name], "missing subcommand "+name)
	}
}

func TestConfigCommandProducesValidTOML(t *testing.T) {
	isolate(t)
	cfgPath := filepath.Join(t.TempDir(), "smsbatch.toml")

	out, err := runCLI(t, "config", "--config", cfgPath)
	testutil.NoError(t, err)

	var parsed map[string]any
	testutil.NoError(t, toml.Unmarshal([]byte(out), &parsed))
	_, ok := parsed["send"]
	testutil.True(t, ok, "expected [send] section")
}

func TestConfigSetThenGet(t *testing.T) {
	isolate(t)
	cfgPath := filepath.Join(t.TempDir(), "smsbatch.toml")

	_, err := runCLI(t, "config", "set", "send.concurrency", "3", "--config", cfgPath)
	testutil.NoError(t, err)

	out, err := runCLI(t, "config", "get", "send.concurrency", "--config", cfgPath)
	testutil.NoError(t, err)
	testutil.Equal(t, "3", strings.TrimSpace(out))
}

func TestConfigSetUnknownKey(t *testing.T) {
	isolate(t)
	_, err := runCLI(t, "config", "set", "credentials.auth_token", "x", "--config", filepath.Join(t.TempDir(), "c.toml"))
	testutil.ErrorContains(t, err, "unknown configuration key")
}

func TestParseCommandJSON(t *testing.T) {
	home := isolate(t)
	input := writeFile(t, home, "team.txt", sampleText)

	out, err := runCLI(t, "parse", input, "--json")
	testutil.NoError(t, err)

	var got struct {
		Counts  phone.Counts   `json:"counts"`
		Numbers []parsedNumber `json:"numbers"`
	}
	testutil.NoError(t, json.Unmarshal([]byte(out), &got))
	testutil.Equal(t, phone.Counts{Detected: 3, Valid: 3, Mobile: 2}, got.Counts)
	testutil.SliceLen(t, got.Numbers, 2)
	testutil.Equal(t, "+4915123456789", got.Numbers[0].Number)
	testutil.Equal(t, "mobile", got.Numbers[0].Class)
}

func TestParseCommandAllIncludesLandline(t *testing.T) {
	home := isolate(t)
	input := writeFile(t, home, "team.txt", sampleText)

	out, err := runCLI(t, "parse", input, "--all", "--output", "csv")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "number,display,class")
	testutil.Contains(t, out, "+4930123456")
	testutil.Contains(t, out, ",landline")
}

func TestParseCommandBinaryInput(t *testing.T) {
	home := isolate(t)
	input := writeFile(t, home, "blob.bin", "\x00\x01\x02\xff")

	_, err := runCLI(t, "parse", input)
	testutil.True(t, errors.Is(err, phone.ErrParse), "expected parse error, got %v", err)
}

func TestParseCommandMissingFile(t *testing.T) {
	isolate(t)
	_, err := runCLI(t, "parse", "/nonexistent/contacts.txt")
	testutil.ErrorContains(t, err, "opening")
}

func TestSettingsSetAndShow(t *testing.T) {
	isolate(t)

	_, err := runCLI(t, "settings", "set", "--from", "+4915100000000", "--account-sid", "ACabc", "--auth-token", "supersecret")
	testutil.NoError(t, err)

	out, err := runCLI(t, "settings", "--json")
	testutil.NoError(t, err)

	var got map[string]any
	testutil.NoError(t, json.Unmarshal([]byte(out), &got))
	testutil.Equal(t, "+4915100000000", got["from_number"].(string))
	testutil.Equal(t, "ACabc", got["account_sid"].(string))
	testutil.Equal(t, "••••cret", got["auth_token"].(string))
	testutil.Equal(t, true, got["configured"].(bool))
}

func TestSettingsSetIncomplete(t *testing.T) {
	isolate(t)

	_, err := runCLI(t, "settings", "set", "--from", "+4915100000000", "--account-sid", "ACabc")
	testutil.True(t, errors.Is(err, campaign.ErrConfiguration), "expected configuration error, got %v", err)

	out, err := runCLI(t, "settings", "--json")
	testutil.NoError(t, err)
	testutil.Contains(t, out, `"configured":false`)
}

func TestSendDryRun(t *testing.T) {
	home := isolate(t)
	t.Setenv("SMSBATCH_ACCOUNT_SID", "ACdry")
	t.Setenv("SMSBATCH_AUTH_TOKEN", "token")
	t.Setenv("SMSBATCH_FROM_NUMBER", "+4915100000000")
	t.Setenv("SMSBATCH_INITIAL_POLL_DELAY_MS", "0")
	t.Setenv("SMSBATCH_POLL_INTERVAL_MS", "1")
	input := writeFile(t, home, "team.txt", sampleText)

	out, err := runCLI(t, "send", input, "-m", "Training moved to 7pm", "--dry-run", "--json")
	testutil.NoError(t, err)

	var got struct {
		Summary    dispatch.Summary    `json:"summary"`
		Recipients []recipients.Record `json:"recipients"`
	}
	testutil.NoError(t, json.Unmarshal([]byte(out), &got))
	testutil.Equal(t, dispatch.Summary{Total: 2, Delivered: 2}, got.Summary)
	for _, rec := range got.Recipients {
		testutil.True(t, rec.Sent, rec.Number)
		testutil.Equal(t, "delivered", rec.Status)
		testutil.True(t, strings.HasPrefix(rec.MessageID(), "LG"), rec.MessageID())
	}
}

func TestSendWithoutCredentials(t *testing.T) {
	home := isolate(t)
	input := writeFile(t, home, "team.txt", sampleText)

	_, err := runCLI(t, "send", input, "-m", "hello", "--dry-run")
	testutil.True(t, errors.Is(err, dispatch.ErrSendDisabled), "expected send disabled, got %v", err)
}

func TestSendEmptyMessage(t *testing.T) {
	home := isolate(t)
	t.Setenv("SMSBATCH_ACCOUNT_SID", "ACdry")
	t.Setenv("SMSBATCH_AUTH_TOKEN", "token")
	input := writeFile(t, home, "team.txt", sampleText)

	_, err := runCLI(t, "send", input, "--dry-run")
	testutil.True(t, errors.Is(err, dispatch.ErrSendDisabled), "expected send disabled, got %v", err)
}

func TestSendMessageFlagsExclusive(t *testing.T) {
	home := isolate(t)
	input := writeFile(t, home, "team.txt", sampleText)
	msg := writeFile(t, home, "msg.txt", "hi\n")

	_, err := runCLI(t, "send", input, "-m", "hi", "--message-file", msg)
	testutil.NotNil(t, err)
}

func TestMessageBodyFromFile(t *testing.T) {
	dir := t.TempDir()
	msg := writeFile(t, dir, "msg.txt", "Line one\nLine two\r\n")

	cmd := &cobra.Command{}
	cmd.Flags().StringP("message", "m", "", "")
	cmd.Flags().String("message-file", "", "")
	testutil.NoError(t, cmd.Flags().Set("message-file", msg))

	body, err := messageBody(cmd)
	testutil.NoError(t, err)
	testutil.Equal(t, "Line one\nLine two", body)
}

func TestFlagOverridesOnlyChanged(t *testing.T) {
	cmd := &cobra.Command{Run: func(*cobra.Command, []string) {}}
	cmd.Flags().Int("port", 0, "")
	cmd.Flags().String("host", "", "")
	cmd.Flags().String("region", "", "")
	cmd.Flags().Bool("dry-run", false, "")
	testutil.NoError(t, cmd.ParseFlags([]string{"--port", "9000", "--region", "at", "--dry-run"}))

	got := flagOverrides(cmd)
	testutil.MapLen(t, got, 2)
	testutil.Equal(t, "9000", got["port"])
	testutil.Equal(t, "at", got["region"])
}

func TestPrintRecipientsTable(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	recs := []recipients.Record{
		{Number: "+4915123456789", Sent: true, Status: "delivered", ProviderMessage: map[string]any{"sid": "SM1"}},
		{Number: "+4917612345678", Status: "twilio: error 21211: invalid To", State: recipients.StateSendFailed},
	}
	sum := dispatch.Summary{Total: 2, Delivered: 1, SendFailed: 1}

	var buf bytes.Buffer
	testutil.NoError(t, printRecipients(&buf, "table", recs, sum))
	out := buf.String()
	testutil.Contains(t, out, "Message ID")
	testutil.Contains(t, out, "SM1")
	testutil.Contains(t, out, "invalid To")
	testutil.Contains(t, out, "1 delivered, 0 failed, 1 not sent, 0 unfinished")
}

func TestPrintRecipientsCSV(t *testing.T) {
	recs := []recipients.Record{{Number: "+4915123456789", Status: "queued"}}
	var buf bytes.Buffer
	testutil.NoError(t, printRecipients(&buf, "csv", recs, dispatch.Summary{Total: 1, Unfinished: 1}))
	testutil.Equal(t, "Number,Sent,Status,Message ID\n+4915123456789,false,queued,\n", buf.String())
}

func TestPrintParseResultNoNumbers(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var buf bytes.Buffer
	testutil.NoError(t, printParseResult(&buf, "table", phone.Result{}, false))
	testutil.Contains(t, buf.String(), "0 detected  0 valid  0 mobile")
	testutil.Contains(t, buf.String(), "No numbers to send to.")
}

func TestErrorHints(t *testing.T) {
	testutil.SliceLen(t, ErrorHints(errors.New("boom")), 0)
	testutil.True(t, len(ErrorHints(phone.ErrParse)) > 0)
	testutil.True(t, len(ErrorHints(campaign.ErrConfiguration)) > 0)
	testutil.True(t, len(ErrorHints(dispatch.ErrSendDisabled)) > 0)
	testutil.True(t, len(ErrorHints(errBatchFailures)) > 0)
}

func TestParseSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			testutil.Equal(t, tt.want, parseSlogLevel(tt.in))
		})
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}}
	logger := slog.New(h).With("batch", "b1")

	logger.Info("only debug sink")
	logger.Warn("both sinks")

	testutil.False(t, strings.Contains(a.String(), "only debug sink"))
	testutil.Contains(t, a.String(), "both sinks")
	testutil.Contains(t, b.String(), "only debug sink")
	testutil.Contains(t, b.String(), `"batch":"b1"`)
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := writeFile(t, dir, "smsbatch-20200101.log", "old")
	fresh := writeFile(t, dir, "smsbatch-20990101.log", "new")
	past := time.Now().Add(-30 * 24 * time.Hour)
	testutil.NoError(t, os.Chtimes(old, past, past))

	cleanOldLogs(dir, time.Now().Add(-logRetention))

	_, err := os.Stat(old)
	testutil.True(t, os.IsNotExist(err), "old log should be removed")
	_, err = os.Stat(fresh)
	testutil.NoError(t, err)
}

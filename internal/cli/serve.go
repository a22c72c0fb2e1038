package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/allyourbase/smsbatch/internal/cli/ui"
	"github.com/allyourbase/smsbatch/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the smsbatch HTTP API. Upload a file to POST /api/recipients, start a
batch with POST /api/send and follow delivery on GET /api/events.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "Server port (default 8160)")
	serveCmd.Flags().String("host", "", "Server host (default 127.0.0.1)")
	serveCmd.Flags().String("region", "", "Region for numbers without a country code (default DE)")
	serveCmd.Flags().String("provider", "", "Provider: twilio or log")
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := newAppEnv(cmd, false)
	if err != nil {
		return err
	}
	defer env.Close()

	srv := server.New(env.cfg, env.logger, env.session(false))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.StartWithReady(ready)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ready:
	}

	color := colorEnabled()
	fmt.Fprintf(os.Stderr, "\n  %s %s\n", ui.BrandEmoji, boldCyan("smsbatch "+buildVersion, color))
	fmt.Fprintf(os.Stderr, "  %s http://%s\n", ui.StyleLabel.Render("API:"), env.cfg.Address())
	if env.logPath != "" {
		fmt.Fprintf(os.Stderr, "  %s %s\n", ui.StyleLabel.Render("Logs:"), dim(env.logPath, color))
	}
	fmt.Fprintln(os.Stderr)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		env.logger.Info("received signal, shutting down", "signal", sig)
		fmt.Fprintf(os.Stderr, "\n  Shutting down... (press Ctrl-C again to force)\n")
		signal.Stop(sigCh) // Second Ctrl-C triggers Go default (immediate exit).

		if err := srv.Shutdown(context.Background()); err != nil {
			env.logger.Error("shutdown error", "error", err)
		}
		return nil
	}
}

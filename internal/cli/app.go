package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/allyourbase/smsbatch/internal/campaign"
	"github.com/allyourbase/smsbatch/internal/config"
	"github.com/allyourbase/smsbatch/internal/credentials"
	"github.com/allyourbase/smsbatch/internal/dispatch"
	"github.com/allyourbase/smsbatch/internal/phone"
	"github.com/allyourbase/smsbatch/internal/sms"
)

// overrideFlags are the command-line flags config.Load understands.
var overrideFlags = map[string]bool{
	"host":      true,
	"port":      true,
	"region":    true,
	"provider":  true,
	"log-level": true,
}

// flagOverrides collects the config overrides the user set explicitly.
// Flags left at their defaults are not reported, so they never shadow
// smsbatch.toml or the environment.
func flagOverrides(cmd *cobra.Command) map[string]string {
	out := make(map[string]string)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if overrideFlags[f.Name] {
			out[f.Name] = f.Value.String()
		}
	})
	return out
}

// appEnv is what every command that touches recipients or credentials needs.
type appEnv struct {
	cfg      *config.Config
	logger   *slog.Logger
	logLevel *slog.LevelVar
	logPath  string
	store    credentials.Store
	closers  []func()
}

// newAppEnv loads configuration, sets up logging and opens the credential
// store. Interactive commands pass quiet to keep stderr to warnings unless a
// level was asked for explicitly; the log file still gets everything.
func newAppEnv(cmd *cobra.Command, quiet bool) (*appEnv, error) {
	flags := flagOverrides(cmd)
	cfg, err := config.Load(configPathFlag(cmd), flags)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, lvl, logPath, closeLog := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	if _, explicit := flags["log-level"]; quiet && !explicit && lvl.Level() < slog.LevelWarn {
		lvl.Set(slog.LevelWarn)
	}

	env := &appEnv{cfg: cfg, logger: logger, logLevel: lvl, logPath: logPath, closers: []func(){closeLog}}

	store, closeStore, err := openStore(cmd.Context(), &cfg.Credentials)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.store = store
	env.closers = append(env.closers, closeStore)
	logger.Debug("configuration loaded", "credentials_backend", cfg.Credentials.Backend, "provider", cfg.Send.Provider)
	return env, nil
}

// Close releases the credential store and the log file.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// session builds a campaign session from the loaded configuration. dryRun
// replaces the configured provider with the logging one.
func (e *appEnv) session(dryRun bool) *campaign.Session {
	return campaign.New(campaign.Options{
		Extractor: phone.NewExtractor(e.cfg.Extract.Region, e.cfg.Extract.MobilePrefixes),
		Store:     e.store,
		Providers: providerFactory(&e.cfg.Send, e.logger, dryRun),
		Dispatch: dispatch.Options{
			InitialPollDelay: e.cfg.Send.InitialPollDelay(),
			PollInterval:     e.cfg.Send.PollInterval(),
			MaxPollAttempts:  e.cfg.Send.MaxPollAttempts,
			Concurrency:      e.cfg.Send.Concurrency,
		},
		MaxInputSize: e.cfg.Extract.MaxFileSizeBytes(),
		Logger:       e.logger,
	})
}

// openStore opens the configured credential backend with environment
// overrides applied on load.
func openStore(ctx context.Context, cfg *config.CredentialsConfig) (credentials.Store, func(), error) {
	path, err := cfg.CredentialsPath()
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Backend {
	case "sqlite":
		if ctx == nil {
			ctx = context.Background()
		}
		s, err := credentials.OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening credential database: %w", err)
		}
		return credentials.EnvStore{Store: s}, func() { s.Close() }, nil
	default:
		return credentials.EnvStore{Store: credentials.NewFileStore(path)}, func() {}, nil
	}
}

// providerFactory returns the constructor used for every batch. Each batch
// gets a provider built from the credentials snapshot taken when it starts.
func providerFactory(cfg *config.SendConfig, logger *slog.Logger, dryRun bool) campaign.ProviderFactory {
	return func(c credentials.Credentials) sms.Provider {
		if dryRun || cfg.Provider == "log" {
			return sms.NewLogProvider(logger)
		}
		p := sms.NewTwilioProvider(c.AccountSID, c.AuthToken, c.FromNumber, cfg.BaseURL)
		p.SetTimeout(cfg.Timeout())
		return p
	}
}

// ErrorHints returns follow-up suggestions for errors surfaced by commands.
func ErrorHints(err error) []string {
	switch {
	case errors.Is(err, phone.ErrParse):
		return []string{"check that the file is plain UTF-8 text", "raise extract.max_file_size for large inputs"}
	case errors.Is(err, campaign.ErrConfiguration):
		return []string{"smsbatch settings set --from <number> --account-sid <AC...> --auth-token <token>"}
	case errors.Is(err, dispatch.ErrSendDisabled):
		return []string{"smsbatch settings", "smsbatch parse <file> --all"}
	case errors.Is(err, errBatchFailures):
		return []string{"re-run with --output json to see the provider responses"}
	}
	return nil
}

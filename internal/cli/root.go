package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AndreasM009/agentstate-go/cache"
	"github.com/AndreasM009/agentstate-go/config"
	"github.com/AndreasM009/agentstate-go/records"
	"github.com/AndreasM009/agentstate-go/store"
	"github.com/AndreasM009/agentstate-go/store/backend"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the agentstate CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "agentstate",
		Short: "Inspect and edit agent session, conversation and task state",
		Long: `agentstate talks to the configured entity store the same way the agent
service does: client keys are resolved through the index, writes reconcile
with concurrent writers and appended events go through the write-behind cache.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to the config file (default $"+config.EnvVar+")")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewTaskCommand(opts))

	return cmd
}

// app is everything a command needs, built from the config
type app struct {
	store    store.EntityStore
	cache    *cache.Cache
	services *records.Services
	logger   *slog.Logger
	out      *OutputFormatter
}

func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "loading config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	logger := cfg.Logger(cmd.ErrOrStderr())

	es, err := backend.Open(ctx, cfg.Backend.Type, cfg.Backend.Properties, cfg.Store.CallTimeout)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "opening backend", err)
	}
	logger.Debug("backend ready", "type", cfg.Backend.Type)

	c := cache.New(es, cfg.CacheOptions(logger))
	return &app{
		store:    es,
		cache:    c,
		services: records.NewServices(es, c, cfg.RecordOptions(logger)),
		logger:   logger,
		out:      &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr()},
	}, nil
}

// close flushes whatever the command left in the cache and closes the store
func (a *app) close(ctx context.Context) error {
	flushErr := a.cache.Close(ctx)
	if flushErr != nil {
		a.logger.Error("pending events were not persisted", "error", flushErr)
	}
	return errors.Join(flushErr, a.store.Close())
}

// run opens the app, calls fn and closes the app again
func run(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, a)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kittclouds/kittgraph/internal/app"
	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/logging"
	"github.com/kittclouds/kittgraph/internal/persist"
	"github.com/kittclouds/kittgraph/internal/registry"
	"github.com/kittclouds/kittgraph/internal/store"
)

// envFile is read from the working directory when present.
const envFile = ".env"

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(envFile); err != nil {
		return cfg, err
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	return cfg, cfg.Validate()
}

// cliLogger writes to stderr. Lifecycle logs are hidden unless verbose.
func cliLogger(opts *RootOptions, cfg config.Config, cmd *cobra.Command) *slog.Logger {
	level, _ := logging.ParseLevel(cfg.LogLevel)
	if opts.Verbose {
		level = slog.LevelDebug
	} else if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	return logging.New(cmd.ErrOrStderr(), level)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withGraph opens the graph for one command and closes it afterwards so
// every mutation reaches the WAL before the process exits.
func withGraph(opts *RootOptions, cmd *cobra.Command, fn func(a *app.App, out *OutputFormatter) error) error {
	out := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	out.VerboseLog("Opening graph in %s (%s engine)", cfg.DataDir, cfg.Engine.Driver)

	a, err := app.OpenDir(cfg, app.Options{Logger: cliLogger(opts, cfg, cmd)})
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeOpen, "failed to open graph", err)
	}
	for _, w := range a.Recovery.Warnings {
		out.VerboseLog("recovery: %s", w)
	}

	runErr := fn(a, out)
	closeErr := a.Close(commandContext(cmd))
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return out.Fail(ExitCommandError, ErrCodeIO, "failed to close graph", closeErr)
	}
	return nil
}

// resolveEntity accepts an entity id, label or alias.
func resolveEntity(r *registry.Registry, ref string) *store.Entity {
	if e := r.GetEntityByID(ref); e != nil {
		return e
	}
	return r.FindEntityByLabel(ref)
}

func entityNotFound(out *OutputFormatter, ref string) error {
	return out.Fail(ExitFailure, ErrCodeNotFound, "entity not found: "+ref, nil)
}

// failOp maps a registry or persistence error to a response and exit code.
func failOp(out *OutputFormatter, message string, err error) error {
	switch {
	case errors.Is(err, registry.ErrEntityNotFound), errors.Is(err, registry.ErrRelationshipNotFound):
		return out.Fail(ExitFailure, ErrCodeNotFound, message, err)
	case errors.Is(err, registry.ErrLabelConflict):
		return out.Fail(ExitFailure, ErrCodeConflict, message, err)
	case errors.Is(err, registry.ErrEmptyLabel), errors.Is(err, registry.ErrEmptyType),
		errors.Is(err, store.ErrUnknownKind):
		return out.Fail(ExitCommandError, ErrCodeInvalid, message, err)
	case errors.Is(err, persist.ErrInvalidBackup):
		return out.Fail(ExitFailure, ErrCodeInvalid, message, err)
	default:
		return out.Fail(ExitFailure, ErrCodeGeneric, message, err)
	}
}

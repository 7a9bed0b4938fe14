package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"lifeline/internal/config"
	apperrors "lifeline/internal/errors"
	"lifeline/internal/models"
	"lifeline/internal/service"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitOK           = 0
	ExitCommandError = 1
	ExitRetryable    = 2
)

// ExitError carries a process exit code with the error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// exitError classifies err: transient failures exit with ExitRetryable so
// scripts can try again later.
func exitError(msg string, err error) error {
	code := ExitCommandError
	if apperrors.IsRetryable(err) {
		code = ExitRetryable
	}
	return &ExitError{Code: code, Err: fmt.Errorf("%s: %w", msg, err)}
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
	Timeout    time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the lifelinectl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "lifelinectl",
		Short: "Administer a lifeline device store",
		Long: `lifelinectl operates on the local stores of a lifeline device: key
material, the durable operation queue and the sync cursor. It opens the
same configuration file as the daemon.`,
		Version:       fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.json", "path to configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log engine activity to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "deadline for remote operations")

	cmd.AddCommand(NewKeysCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))

	return cmd
}

// withEngine loads the configuration, opens the engine and runs fn with a
// context bounded by --timeout.
func withEngine(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, e *service.Engine, cfg *models.Config) error) error {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("failed to load config: %w", err)}
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(logrus.WarnLevel)
	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	ctx = service.WithVerbose(ctx, opts.Verbose)

	engine, err := service.Open(ctx, cfg, logger, nil)
	if err != nil {
		return exitError("failed to open engine", err)
	}
	defer engine.Close()

	return fn(ctx, engine, cfg)
}

// output writes v as indented JSON, or calls text for the text format.
func output(w io.Writer, opts *RootOptions, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"lifeline/internal/models"
	"lifeline/internal/service"

	"github.com/spf13/cobra"
)

// NewKeysCommand groups key management subcommands.
func NewKeysCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the device keypair",
	}
	cmd.AddCommand(newKeysGenerateCommand(opts))
	cmd.AddCommand(newKeysRotateCommand(opts))
	cmd.AddCommand(newKeysShowCommand(opts))
	return cmd
}

func newKeysGenerateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Create the account keypair if none exists and publish it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *service.Engine, _ *models.Config) error {
				info, err := e.EnsureKeys(ctx)
				if err != nil {
					return exitError("failed to generate keys", err)
				}
				return printKeys(cmd.OutOrStdout(), opts, []service.KeyInfo{info})
			})
		},
	}
}

func newKeysRotateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Replace the current keypair; the old key keeps decrypting until it retires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *service.Engine, _ *models.Config) error {
				info, err := e.RotateKeys(ctx)
				if err != nil {
					return exitError("failed to rotate keys", err)
				}
				return printKeys(cmd.OutOrStdout(), opts, []service.KeyInfo{info})
			})
		},
	}
}

func newKeysShowCommand(opts *RootOptions) *cobra.Command {
	var contacts []string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print key fingerprints of this account or of contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *service.Engine, _ *models.Config) error {
				if len(contacts) > 0 {
					infos, err := e.ContactKeys(ctx, contacts)
					if err != nil {
						return exitError("failed to fetch contact keys", err)
					}
					return printKeys(cmd.OutOrStdout(), opts, infos)
				}
				info, err := e.KeyFingerprint(ctx)
				if err != nil {
					return exitError("failed to read key", err)
				}
				return printKeys(cmd.OutOrStdout(), opts, []service.KeyInfo{info})
			})
		},
	}
	cmd.Flags().StringSliceVar(&contacts, "contacts", nil, "account ids whose keys to fetch")
	return cmd
}

func printKeys(w io.Writer, opts *RootOptions, infos []service.KeyInfo) error {
	return output(w, opts, infos, func(w io.Writer) {
		for _, info := range infos {
			fmt.Fprintf(w, "%s  key %s  created %s\n  %s\n",
				info.AccountID, info.KeyID, info.CreatedAt.Format("2006-01-02"), groupFingerprint(info.Fingerprint))
		}
	})
}

// groupFingerprint splits a fingerprint into blocks of four for reading aloud.
func groupFingerprint(fp string) string {
	var b strings.Builder
	for i, r := range fp {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

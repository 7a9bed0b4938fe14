package main

import (
	"context"
	"fmt"
	"io"

	"lifeline/internal/models"
	"lifeline/internal/service"

	"github.com/spf13/cobra"
)

// NewSyncCommand groups sync subcommands.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize with the remote store",
	}
	cmd.AddCommand(newSyncRunCommand(opts, "now", "Upload pending operations and pull changes since the cursor", false))
	cmd.AddCommand(newSyncRunCommand(opts, "full", "Discard the cursor and rebuild local state from the remote", true))
	return cmd
}

func newSyncRunCommand(opts *RootOptions, use, short string, full bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *service.Engine, _ *models.Config) error {
				var (
					result models.SyncResult
					err    error
				)
				if full {
					result, err = e.SyncFull(ctx)
				} else {
					result, err = e.SyncNow(ctx)
				}
				if err != nil {
					return exitError("sync failed", err)
				}
				return output(cmd.OutOrStdout(), opts, result, func(w io.Writer) {
					fmt.Fprintf(w, "%s sync: uploaded=%d downloaded=%d conversations=%d conflicts=%d cursor=%d (%s)\n",
						result.Mode, result.UploadedOperations, result.DownloadedMessages,
						result.UpdatedConversations, result.Conflicts, result.Cursor, result.Duration)
					for _, ie := range result.Errors {
						fmt.Fprintf(w, "  error: %v\n", ie)
					}
				})
			})
		},
	}
}

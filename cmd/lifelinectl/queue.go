package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"lifeline/internal/constants"
	"lifeline/internal/models"
	"lifeline/internal/service"

	"github.com/spf13/cobra"
)

// NewQueueCommand groups queue inspection subcommands.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and retry queued operations",
	}
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueRetryCommand(opts))
	return cmd
}

type queueListing struct {
	Depth      map[models.OperationState]int `json:"depth"`
	Operations []models.QueuedOperation      `json:"operations"`
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	var (
		failed bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending operations, or terminal failures with --failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 || limit > constants.MaxAPIListLimit {
				return fmt.Errorf("--limit must be between 1 and %d", constants.MaxAPIListLimit)
			}
			return withEngine(cmd, opts, func(ctx context.Context, e *service.Engine, _ *models.Config) error {
				depth, err := e.QueueDepth(ctx)
				if err != nil {
					return exitError("failed to read queue depth", err)
				}
				var ops []models.QueuedOperation
				if failed {
					ops, err = e.FailedOperations(ctx, limit)
				} else {
					ops, err = e.PendingOperations(ctx, limit)
				}
				if err != nil {
					return exitError("failed to list operations", err)
				}
				if ops == nil {
					ops = []models.QueuedOperation{}
				}
				listing := queueListing{Depth: depth, Operations: ops}
				return output(cmd.OutOrStdout(), opts, listing, func(w io.Writer) {
					fmt.Fprintf(w, "pending=%d in_flight=%d failed=%d\n",
						depth[models.OpPending], depth[models.OpInFlight], depth[models.OpFailed])
					if len(ops) == 0 {
						fmt.Fprintln(w, "No operations.")
						return
					}
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tKIND\tPRIORITY\tSTATE\tATTEMPTS\tLAST ERROR")
					for _, op := range ops {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
							op.ID, op.Kind, op.Priority, op.State, op.Attempts, op.MaxAttempts, op.LastError)
					}
					_ = tw.Flush()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "list terminally failed operations")
	cmd.Flags().IntVar(&limit, "limit", constants.DefaultAPIListLimit, "maximum operations to list")
	return cmd
}

func newQueueRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Give a failed operation a fresh set of attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *service.Engine, _ *models.Config) error {
				if err := e.RetryOperation(ctx, args[0]); err != nil {
					return exitError("failed to retry operation", err)
				}
				return output(cmd.OutOrStdout(), opts, map[string]string{"id": args[0], "state": string(models.OpPending)}, func(w io.Writer) {
					fmt.Fprintf(w, "Operation %s queued for retry.\n", args[0])
				})
			})
		},
	}
}
